package display

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/debug"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/session"
)

// Text is the monochrome variant: one line, written only when it changes.
type Text struct {
	mu    sync.Mutex
	out   io.Writer
	blink time.Duration
	last  string
}

// NewText returns a text renderer writing to out. A nil out sends lines to
// the debug log.
func NewText(out io.Writer, blink time.Duration) *Text {
	return &Text{out: out, blink: blink}
}

// Line formats a frame.
func (t *Text) Line(f Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%6.1f°", f.Angle)
	if e := f.Result.Entry; e != nil {
		fmt.Fprintf(&b, " [%d]", e.ID)
	} else {
		b.WriteString(" [-]")
	}
	if s := label(f); s != "" {
		fmt.Fprintf(&b, " %s", s)
	}
	if f.Result.HomeAligned {
		b.WriteString(" H")
	}
	switch f.State {
	case session.Operating:
		if BlinkOn(f.Now, t.blink) {
			b.WriteString(" MOVING")
		}
	case session.Error:
		b.WriteString(" ERROR")
	}
	return b.String()
}

func (t *Text) Render(f Frame) error {
	line := t.Line(f)

	t.mu.Lock()
	defer t.mu.Unlock()
	if line == t.last {
		return nil
	}
	t.last = line
	if t.out == nil {
		debug.Live("%s", line)
		return nil
	}
	_, err := fmt.Fprintln(t.out, line)
	return err
}
