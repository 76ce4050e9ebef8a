package display

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/session"
)

const (
	defaultDiameter = 240
	bridgeWidth     = 10
	tickWidth       = 3
	homeMarkRadius  = 5
)

// Round renders the turntable as seen from above: the pit, a tick for every
// position, the home mark and the bridge at the current angle. 0° is at the
// top and angles increase clockwise.
type Round struct {
	diameter  int
	pitOffset int
	blink     time.Duration
	palette   Palette
	face      font.Face

	mu  sync.Mutex
	img *image.RGBA
}

// NewRound returns a round renderer. A zero diameter selects 240 pixels.
func NewRound(cfg Config) *Round {
	d := cfg.Diameter
	if d <= 0 {
		d = defaultDiameter
	}
	off := cfg.PitOffset
	if off < 0 || off >= d/2 {
		off = 0
	}
	r := &Round{
		diameter:  d,
		pitOffset: off,
		blink:     cfg.Blink,
		palette:   cfg.Palette,
		face:      basicfont.Face7x13,
		img:       image.NewRGBA(image.Rect(0, 0, d, d)),
	}
	draw.Draw(r.img, r.img.Bounds(), image.NewUniform(r.palette.Background), image.Point{}, draw.Src)
	return r
}

// PitRadius is the radius of the pit circle in pixels.
func (r *Round) PitRadius() float64 {
	return float64(r.diameter/2 - r.pitOffset)
}

// Center returns the centre pixel of the display.
func (r *Round) Center() (float64, float64) {
	c := float64(r.diameter) / 2
	return c, c
}

// Polar converts an angle and radius to pixel coordinates.
func (r *Round) Polar(deg, radius float64) (float64, float64) {
	cx, cy := r.Center()
	rad := deg * math.Pi / 180
	return cx + radius*math.Sin(rad), cy - radius*math.Cos(rad)
}

func (r *Round) Render(f Frame) error {
	img := image.NewRGBA(image.Rect(0, 0, r.diameter, r.diameter))
	p := r.palette
	draw.Draw(img, img.Bounds(), image.NewUniform(p.Background), image.Point{}, draw.Src)

	cx, cy := r.Center()
	outer := float64(r.diameter) / 2
	pit := r.PitRadius()

	ring(img, cx, cy, pit, 2, p.Pit)

	if f.Table != nil {
		for _, e := range f.Table.Entries() {
			x0, y0 := r.Polar(float64(e.Angle), pit+3)
			x1, y1 := r.Polar(float64(e.Angle), outer-3)
			thickLine(img, x0, y0, x1, y1, tickWidth, p.Position)
		}

		home := p.Home
		if f.Result.HomeAligned {
			home = p.HomeHighlight
		}
		hx, hy := r.Polar(float64(f.Table.HomeAngle()), (pit+outer)/2)
		fillCircle(img, hx, hy, homeMarkRadius, home)
	}

	// bridge across the pit, home end at the current angle
	bx0, by0 := r.Polar(f.Angle, pit-4)
	bx1, by1 := r.Polar(f.Angle+180, pit-4)
	thickLine(img, bx0, by0, bx1, by1, bridgeWidth, p.Turntable)
	ex, ey := r.Polar(f.Angle, pit-4-bridgeWidth/2)
	fillCircle(img, ex, ey, bridgeWidth/2-1, p.TurntableHome)

	if s := label(f); s != "" {
		r.text(img, int(cy+pit/2), s, p.PositionText)
	}
	switch f.State {
	case session.Operating:
		if BlinkOn(f.Now, r.blink) {
			r.text(img, int(cy-pit/2), "MOVING", p.HomeHighlight)
		}
	case session.Error:
		r.text(img, int(cy-pit/2), "ERROR", p.Turntable)
	}

	r.mu.Lock()
	r.img = img
	r.mu.Unlock()
	return nil
}

// Image returns a copy of the last rendered frame.
func (r *Round) Image() *image.RGBA {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := image.NewRGBA(r.img.Bounds())
	copy(out.Pix, r.img.Pix)
	return out
}

// text draws s horizontally centred with its baseline at y.
func (r *Round) text(img *image.RGBA, y int, s string, c color.RGBA) {
	w := font.MeasureString(r.face, s).Ceil()
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: r.face,
		Dot:  fixed.P((r.diameter-w)/2, y),
	}
	d.DrawString(s)
}

func fillCircle(img *image.RGBA, cx, cy, radius float64, c color.RGBA) {
	b := image.Rect(int(cx-radius)-1, int(cy-radius)-1, int(cx+radius)+2, int(cy+radius)+2).Intersect(img.Rect)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			if dx*dx+dy*dy <= radius*radius {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

func ring(img *image.RGBA, cx, cy, radius, width float64, c color.RGBA) {
	inner := radius - width
	b := image.Rect(int(cx-radius)-1, int(cy-radius)-1, int(cx+radius)+2, int(cy+radius)+2).Intersect(img.Rect)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			d := dx*dx + dy*dy
			if d <= radius*radius && d >= inner*inner {
				img.SetRGBA(x, y, c)
			}
		}
	}
}

// thickLine fills every pixel within width/2 of the segment.
func thickLine(img *image.RGBA, x0, y0, x1, y1, width float64, c color.RGBA) {
	half := width / 2
	b := image.Rect(
		int(math.Min(x0, x1)-half)-1, int(math.Min(y0, y1)-half)-1,
		int(math.Max(x0, x1)+half)+2, int(math.Max(y0, y1)+half)+2,
	).Intersect(img.Rect)

	vx, vy := x1-x0, y1-y0
	l2 := vx*vx + vy*vy
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px, py := float64(x)+0.5, float64(y)+0.5
			t := 0.0
			if l2 > 0 {
				t = math.Max(0, math.Min(1, ((px-x0)*vx+(py-y0)*vy)/l2))
			}
			dx, dy := px-(x0+t*vx), py-(y0+t*vy)
			if dx*dx+dy*dy <= half*half {
				img.SetRGBA(x, y, c)
			}
		}
	}
}
