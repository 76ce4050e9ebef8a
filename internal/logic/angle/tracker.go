package angle

import (
	"math"
	"sync/atomic"
)

// Direction of a single encoder step.
type Direction uint8

const (
	None Direction = iota
	Clockwise
	CounterClockwise
)

func (d Direction) String() string {
	switch d {
	case Clockwise:
		return "CW"
	case CounterClockwise:
		return "CCW"
	default:
		return "none"
	}
}

// StepMode is the encoder resolution setting.
type StepMode int

const (
	FullStep StepMode = iota
	HalfStep
)

// StepSize returns the logical step in degrees. Half-step mode reports two
// steps per detent, so each step covers half the angle.
func StepSize(degreesPerDetent float64, mode StepMode) float64 {
	if mode == HalfStep {
		return degreesPerDetent / 2
	}
	return degreesPerDetent
}

// Normalize wraps a into [0, 360).
func Normalize(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	// -0.0000001 + 360 rounds to 360 in float64
	if a >= 360 {
		a = 0
	}
	return a
}

// State is one published angle value. A new State is allocated for every
// accepted step; published values are never modified.
type State struct {
	Angle     float64   // degrees, [0, 360)
	Direction Direction // direction of the last accepted step
	Seq       uint64    // number of accepted steps since start
}

// snapshot is the single word swapped on every update. The angle is derived
// from an integer step count so that N steps forward and N steps back return
// exactly to the starting angle.
type snapshot struct {
	State
	offset float64
	count  int64
}

// Tracker owns the current angle. ApplyStep and Reset must be called from a
// single goroutine; State may be called from any goroutine.
type Tracker struct {
	stepSize float64
	current  atomic.Pointer[snapshot]
}

// NewTracker creates a tracker starting at the given angle.
func NewTracker(stepSize float64, start float64) *Tracker {
	t := &Tracker{stepSize: stepSize}
	start = Normalize(start)
	t.current.Store(&snapshot{State: State{Angle: start}, offset: start})
	return t
}

// State returns the last fully applied state.
func (t *Tracker) State() State {
	return t.current.Load().State
}

// ApplyStep moves the angle one step in dir. A None direction is ignored and
// reports false.
func (t *Tracker) ApplyStep(dir Direction) (State, bool) {
	prev := t.current.Load()
	count := prev.count
	switch dir {
	case Clockwise:
		count++
	case CounterClockwise:
		count--
	default:
		return prev.State, false
	}

	next := &snapshot{
		State: State{
			Angle:     Normalize(prev.offset + float64(count)*t.stepSize),
			Direction: dir,
			Seq:       prev.Seq + 1,
		},
		offset: prev.offset,
		count:  count,
	}
	t.current.Store(next)
	return next.State, true
}

// Reset sets the angle without counting a step, e.g. when the operator
// re-aligns the bridge with the home mark.
func (t *Tracker) Reset(a float64) State {
	prev := t.current.Load()
	a = Normalize(a)
	next := &snapshot{State: State{Angle: a, Seq: prev.Seq}, offset: a}
	t.current.Store(next)
	return next.State
}

