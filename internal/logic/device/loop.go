package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/bus"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/debug"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/display"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/hw/encoder"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/angle"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/resolver"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/session"
)

// maxEventsPerTick bounds how much encoder input one Tick drains so that bus
// messages are still answered while the knob spins fast.
const maxEventsPerTick = 32

// StartAngle is the power-on angle, the 12 o'clock reference. The encoder is
// relative, so nothing earlier is remembered.
const StartAngle = 0.0

// ErrBusLost is returned by Tick once the command station connection has
// closed or failed.
var ErrBusLost = errors.New("command station connection lost")

// Config wires the loop to its collaborators.
type Config struct {
	Tracker  *angle.Tracker
	Resolver *resolver.Resolver
	Session  *session.Session
	Events   <-chan encoder.Event // nil when there is no encoder
	Bus      bus.Transport        // nil runs without a command station
	Renderer display.Renderer     // nil disables the display
	Blink    time.Duration
	Interval time.Duration // period of Run, default 1ms
}

// Loop is the single consumer of encoder events and inbound bus messages.
type Loop struct {
	cfg Config

	rendered  bool
	lastRev   uint64
	lastSeq   uint64
	lastAngle float64
	lastBlink bool
}

func New(cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Millisecond
	}
	return &Loop{cfg: cfg}
}

// Start commits the power-on selection, announces READY and draws the first
// frame.
func (l *Loop) Start(now time.Time) error {
	st := l.cfg.Tracker.State()
	res := l.cfg.Resolver.Resolve(st.Angle)
	debug.Value("Start angle", fmt.Sprintf("%.1f°", st.Angle))
	l.cfg.Session.Start(res)
	return l.refresh(now)
}

// Tick performs one pass: encoder events, one bus message, settle check and
// display refresh.
func (l *Loop) Tick(now time.Time) error {
	l.drainEvents(now)

	if l.cfg.Bus != nil {
		msg, ok, err := l.cfg.Bus.Poll()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBusLost, err)
		}
		if ok {
			if err := l.cfg.Session.Handle(msg); err != nil {
				debug.Warn("%v", err)
			}
		}
	}

	l.cfg.Session.Tick(now)
	return l.refresh(now)
}

// Run calls Start, then Tick every Interval until ctx ends. Losing the bus
// ends the loop; render errors are logged.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Start(time.Now()); err != nil {
		return err
	}
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := l.Tick(now); err != nil {
				if errors.Is(err, ErrBusLost) {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				debug.Error(err)
			}
		}
	}
}

func (l *Loop) drainEvents(now time.Time) {
	if l.cfg.Events == nil {
		return
	}
	for i := 0; i < maxEventsPerTick; i++ {
		select {
		case ev := <-l.cfg.Events:
			l.handleEvent(ev, now)
		default:
			return
		}
	}
}

func (l *Loop) handleEvent(ev encoder.Event, now time.Time) {
	switch ev.Kind {
	case encoder.Step:
		st, ok := l.cfg.Tracker.ApplyStep(ev.Direction)
		if !ok {
			return
		}
		debug.Trace("step %v -> %.2f°", ev.Direction, st.Angle)
		l.cfg.Session.OnAngleChange(l.cfg.Resolver.Resolve(st.Angle), now)

	case encoder.Press:
		st := l.cfg.Tracker.State()
		l.cfg.Session.Select(l.cfg.Resolver.Resolve(st.Angle))

	case encoder.LongPress:
		home := float64(l.cfg.Resolver.Table().HomeAngle())
		st := l.cfg.Tracker.Reset(home)
		debug.Live("Re-homed at %.1f°", st.Angle)
		l.cfg.Session.OnAngleChange(l.cfg.Resolver.Resolve(st.Angle), now)
	}
}

// refresh redraws when the session, the angle or the blink phase changed.
func (l *Loop) refresh(now time.Time) error {
	if l.cfg.Renderer == nil {
		return nil
	}
	snap := l.cfg.Session.Snapshot()
	st := l.cfg.Tracker.State()
	blink := snap.State == session.Operating && display.BlinkOn(now, l.cfg.Blink)

	if l.rendered && snap.Revision == l.lastRev && st.Seq == l.lastSeq &&
		st.Angle == l.lastAngle && blink == l.lastBlink {
		return nil
	}
	l.rendered = true
	l.lastRev, l.lastSeq, l.lastAngle, l.lastBlink = snap.Revision, st.Seq, st.Angle, blink

	err := l.cfg.Renderer.Render(display.Frame{
		Angle:     st.Angle,
		Result:    snap.Last,
		Committed: snap.Committed,
		State:     snap.State,
		Table:     l.cfg.Resolver.Table(),
		Now:       now,
	})
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return nil
}
