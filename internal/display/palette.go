package display

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// Palette holds the colours of the round display.
type Palette struct {
	Background    color.RGBA
	Turntable     color.RGBA
	Pit           color.RGBA
	TurntableHome color.RGBA
	HomeHighlight color.RGBA
	Home          color.RGBA
	Position      color.RGBA
	PositionText  color.RGBA
}

// DefaultPalette mirrors the stock colour scheme of the encoder.
func DefaultPalette() Palette {
	return Palette{
		Background:    color.RGBA{0x00, 0x00, 0x00, 0xff},
		Turntable:     color.RGBA{0xff, 0x00, 0x00, 0xff},
		Pit:           color.RGBA{0x00, 0x00, 0xff, 0xff},
		TurntableHome: color.RGBA{0xd3, 0xd3, 0xd3, 0xff},
		HomeHighlight: color.RGBA{0xff, 0xff, 0x00, 0xff},
		Home:          color.RGBA{0x00, 0xff, 0xff, 0xff},
		Position:      color.RGBA{0xff, 0x00, 0xff, 0xff},
		PositionText:  color.RGBA{0xad, 0xff, 0x2f, 0xff},
	}
}

// ParseColor parses "#RRGGBB".
func ParseColor(s string) (color.RGBA, error) {
	hex, ok := strings.CutPrefix(strings.TrimSpace(s), "#")
	if !ok || len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid colour %q: want #RRGGBB", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

// ParsePalette overrides the default palette with the named colours.
// Keys are the snake_case field names, e.g. "home_highlight".
func ParsePalette(colors map[string]string) (Palette, error) {
	p := DefaultPalette()
	fields := map[string]*color.RGBA{
		"background":     &p.Background,
		"turntable":      &p.Turntable,
		"pit":            &p.Pit,
		"turntable_home": &p.TurntableHome,
		"home_highlight": &p.HomeHighlight,
		"home":           &p.Home,
		"position":       &p.Position,
		"position_text":  &p.PositionText,
	}
	for name, value := range colors {
		dst, ok := fields[name]
		if !ok {
			return Palette{}, fmt.Errorf("unknown colour %q", name)
		}
		c, err := ParseColor(value)
		if err != nil {
			return Palette{}, fmt.Errorf("colour %s: %w", name, err)
		}
		*dst = c
	}
	return p, nil
}
