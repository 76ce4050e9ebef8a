package display

import (
	"bytes"
	"errors"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/position"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/resolver"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/session"
)

func testTable(t *testing.T) *position.Table {
	t.Helper()
	tbl, err := position.New(0, []position.Entry{
		{Angle: 45, ID: 1, Description: "Shed 1"},
		{Angle: 90, ID: 2, Description: "Shed 2"},
	})
	if err != nil {
		t.Fatalf("position.New: %v", err)
	}
	return tbl
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor("#FF8000")
	if err != nil {
		t.Fatalf("ParseColor: %v", err)
	}
	if want := (color.RGBA{0xff, 0x80, 0x00, 0xff}); c != want {
		t.Errorf("ParseColor = %v, want %v", c, want)
	}

	for _, bad := range []string{"", "FF8000", "#FF80", "#GG0000", "#FF800000"} {
		if _, err := ParseColor(bad); err == nil {
			t.Errorf("ParseColor(%q) should fail", bad)
		}
	}
}

func TestParsePalette(t *testing.T) {
	p, err := ParsePalette(map[string]string{"pit": "#102030"})
	if err != nil {
		t.Fatalf("ParsePalette: %v", err)
	}
	if want := (color.RGBA{0x10, 0x20, 0x30, 0xff}); p.Pit != want {
		t.Errorf("Pit = %v, want %v", p.Pit, want)
	}
	if p.Turntable != DefaultPalette().Turntable {
		t.Error("unset colours should keep their defaults")
	}

	if _, err := ParsePalette(map[string]string{"sky": "#000000"}); err == nil {
		t.Error("unknown colour name should fail")
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(Config{Type: "lcd"})
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("New(lcd) error = %v, want ErrUnknownType", err)
	}
}

func TestBlinkOn(t *testing.T) {
	interval := 500 * time.Millisecond
	if !BlinkOn(time.Unix(0, 0), interval) {
		t.Error("first phase should be visible")
	}
	if BlinkOn(time.Unix(0, int64(interval)), interval) {
		t.Error("second phase should be hidden")
	}
	if !BlinkOn(time.Unix(0, int64(interval)), 0) {
		t.Error("zero interval never blinks")
	}
}

func TestRound_Render(t *testing.T) {
	tbl := testTable(t)
	pal := DefaultPalette()
	r := NewRound(Config{Diameter: 240, PitOffset: 30, Palette: pal})

	if r.PitRadius() != 90 {
		t.Fatalf("PitRadius = %v, want 90", r.PitRadius())
	}

	frame := Frame{Angle: 90, State: session.Ready, Table: tbl, Now: time.Unix(0, 0)}
	if err := r.Render(frame); err != nil {
		t.Fatalf("Render: %v", err)
	}
	img := r.Image()

	at := func(deg, radius float64) color.RGBA {
		x, y := r.Polar(deg, radius)
		return img.RGBAAt(int(x), int(y))
	}

	if got := at(270, 60); got != pal.Turntable {
		t.Errorf("bridge pixel = %v, want turntable colour", got)
	}
	if got := at(0, 60); got != pal.Background {
		t.Errorf("pit interior away from bridge = %v, want background", got)
	}
	if got := at(180, 89); got != pal.Pit {
		t.Errorf("pit ring = %v, want pit colour", got)
	}
	if got := at(45, 110); got != pal.Position {
		t.Errorf("tick for 45° = %v, want position colour", got)
	}
	if got := at(0, 105); got != pal.Home {
		t.Errorf("home mark = %v, want home colour", got)
	}

	frame.Angle = 0
	frame.Result = resolver.Result{HomeAligned: true}
	r.Render(frame)
	img = r.Image()
	if got := at(0, 105); got != pal.HomeHighlight {
		t.Errorf("aligned home mark = %v, want highlight colour", got)
	}
}

func TestRound_ImageIsCopy(t *testing.T) {
	r := NewRound(Config{Diameter: 64, Palette: DefaultPalette()})
	img := r.Image()
	img.SetRGBA(0, 0, color.RGBA{1, 2, 3, 4})
	if r.Image().RGBAAt(0, 0) == (color.RGBA{1, 2, 3, 4}) {
		t.Error("Image should return a copy")
	}
}

func TestText_WritesOnlyOnChange(t *testing.T) {
	tbl := testTable(t)
	shed1, _ := tbl.Lookup(1)

	var buf bytes.Buffer
	txt := NewText(&buf, 500*time.Millisecond)
	frame := Frame{
		Angle:     45,
		Result:    resolver.Result{Entry: shed1, WithinTolerance: true},
		Committed: shed1,
		State:     session.Ready,
		Table:     tbl,
		Now:       time.Unix(0, 0),
	}

	txt.Render(frame)
	txt.Render(frame)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "[1] Shed 1") {
		t.Errorf("line %q should name the committed entry", lines[0])
	}

	frame.State = session.Operating
	if line := txt.Line(frame); !strings.Contains(line, "MOVING") {
		t.Errorf("operating line %q should blink MOVING on", line)
	}
	frame.Now = time.Unix(0, int64(500*time.Millisecond))
	if line := txt.Line(frame); strings.Contains(line, "MOVING") {
		t.Errorf("operating line %q should blink MOVING off", line)
	}
}
