package encoder

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/debug"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/hw/gpio"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/angle"
)

// Config holds the hardware configuration for the encoder.
type Config struct {
	ClkPin       int
	DtPin        int
	ButtonPin    int // 0 = no button
	Mode         angle.StepMode
	PullUps      bool          // enable internal pull-ups on all three lines
	ActiveHigh   bool          // button reads High when pressed (default: Low when pressed)
	Debounce     time.Duration // button debounce
	LongPress    time.Duration // hold time for a long press
	PollInterval time.Duration // sampling period of Run
	QueueSize    int           // pending events before new ones are dropped
}

// EventKind identifies an encoder event.
type EventKind int

const (
	Step EventKind = iota
	Press
	LongPress
)

func (k EventKind) String() string {
	switch k {
	case Step:
		return "Step"
	case Press:
		return "Press"
	case LongPress:
		return "LongPress"
	default:
		return "Unknown"
	}
}

// Event is a completed step or button action.
type Event struct {
	Kind      EventKind
	Direction angle.Direction // set for Step
	At        time.Time
}

// Encoder samples the pins and queues events for the device loop.
// Poll/Run are the only producers; Events has a single consumer.
type Encoder struct {
	gpio    gpio.Driver
	cfg     Config
	dec     *Decoder
	button  button
	events  chan Event
	dropped atomic.Uint64
}

// New sets up the encoder pins.
func New(g gpio.Driver, cfg Config) (*Encoder, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	mode := gpio.Input
	if cfg.PullUps {
		mode = gpio.InputPullUp
	}
	pins := []int{cfg.ClkPin, cfg.DtPin}
	if cfg.ButtonPin > 0 {
		pins = append(pins, cfg.ButtonPin)
	}
	for _, pin := range pins {
		if err := g.SetupPin(pin, mode); err != nil {
			return nil, fmt.Errorf("setup encoder pin %d: %w", pin, err)
		}
	}

	return &Encoder{
		gpio:   g,
		cfg:    cfg,
		dec:    NewDecoder(cfg.Mode),
		button: button{debounce: cfg.Debounce, longPress: cfg.LongPress},
		events: make(chan Event, cfg.QueueSize),
	}, nil
}

// Events returns the queue of completed events.
func (e *Encoder) Events() <-chan Event {
	return e.events
}

// Dropped returns how many events were discarded because the queue was full.
func (e *Encoder) Dropped() uint64 {
	return e.dropped.Load()
}

// Poll takes one sample of all lines.
func (e *Encoder) Poll(now time.Time) error {
	clk, err := e.gpio.ReadPin(e.cfg.ClkPin)
	if err != nil {
		return fmt.Errorf("read clk: %w", err)
	}
	dt, err := e.gpio.ReadPin(e.cfg.DtPin)
	if err != nil {
		return fmt.Errorf("read dt: %w", err)
	}
	if dir := e.dec.Process(clk, dt); dir != angle.None {
		e.emit(Event{Kind: Step, Direction: dir, At: now})
	}

	if e.cfg.ButtonPin <= 0 {
		return nil
	}
	lvl, err := e.gpio.ReadPin(e.cfg.ButtonPin)
	if err != nil {
		return fmt.Errorf("read button: %w", err)
	}
	pressed := lvl == gpio.Low
	if e.cfg.ActiveHigh {
		pressed = lvl == gpio.High
	}
	if kind, ok := e.button.update(pressed, now); ok {
		e.emit(Event{Kind: kind, At: now})
	}
	return nil
}

// Run polls the pins every PollInterval until ctx is cancelled.
func (e *Encoder) Run(ctx context.Context) error {
	debug.Info("Encoder polling every %v (clk=%d dt=%d button=%d)",
		e.cfg.PollInterval, e.cfg.ClkPin, e.cfg.DtPin, e.cfg.ButtonPin)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := e.Poll(now); err != nil {
				return err
			}
		}
	}
}

func (e *Encoder) emit(ev Event) {
	select {
	case e.events <- ev:
		debug.Trace("encoder %s %v", ev.Kind, ev.Direction)
	default:
		e.dropped.Add(1)
	}
}

// button debounces a push button and classifies presses.
type button struct {
	debounce  time.Duration
	longPress time.Duration

	stable     bool      // debounced state
	candidate  bool      // last raw reading
	changedAt  time.Time // when candidate last changed
	pressedAt  time.Time
	longFired  bool
	seenSample bool
}

// update feeds one raw sample. It reports a Press on release of a short
// press, or a LongPress once the button has been held for longPress.
func (b *button) update(raw bool, now time.Time) (EventKind, bool) {
	if !b.seenSample {
		b.seenSample = true
		b.stable, b.candidate, b.changedAt = raw, raw, now
		return 0, false
	}

	if raw != b.candidate {
		b.candidate = raw
		b.changedAt = now
	}

	if b.candidate != b.stable && now.Sub(b.changedAt) >= b.debounce {
		b.stable = b.candidate
		if b.stable {
			b.pressedAt = now
			b.longFired = false
		} else if !b.longFired {
			return Press, true
		}
	}

	if b.stable && !b.longFired && b.longPress > 0 && now.Sub(b.pressedAt) >= b.longPress {
		b.longFired = true
		return LongPress, true
	}
	return 0, false
}
