package display

import (
	"errors"
	"fmt"
	"time"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/position"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/resolver"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/session"
)

// ErrUnknownType is returned by New for an unsupported display type.
var ErrUnknownType = errors.New("unknown display type")

// Frame is everything a renderer needs for one refresh.
type Frame struct {
	Angle     float64
	Result    resolver.Result
	Committed *position.Entry
	State     session.State
	Table     *position.Table
	Now       time.Time
}

// Renderer draws frames.
type Renderer interface {
	Render(Frame) error
}

// Config selects and sizes a renderer.
type Config struct {
	Type      string // "round" or "text"
	Diameter  int
	PitOffset int
	Blink     time.Duration
	Palette   Palette
}

// New returns the renderer for cfg.Type. Text renderers write to the
// debug log output.
func New(cfg Config) (Renderer, error) {
	switch cfg.Type {
	case "round", "":
		return NewRound(cfg), nil
	case "text":
		return NewText(nil, cfg.Blink), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
}

// BlinkOn reports whether blinking elements are visible at now.
func BlinkOn(now time.Time, interval time.Duration) bool {
	if interval <= 0 {
		return true
	}
	return (now.UnixNano()/int64(interval))%2 == 0
}

// label returns the text shown for a frame: the matched entry while
// turning, otherwise the committed one.
func label(f Frame) string {
	e := f.Committed
	if f.State == session.Operating {
		e = f.Result.Entry
	}
	if e == nil {
		if f.Result.HomeAligned {
			return "Home"
		}
		return ""
	}
	return e.Description
}
