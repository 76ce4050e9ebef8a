package encoder

import (
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/hw/gpio"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/angle"
)

// Quadrature decoding uses a transition table: every valid Gray-code sequence
// between two detents walks the table to a state flagged with a direction;
// contact bounce only moves back and forth between intermediate states and
// never emits a step.

const (
	dirCW  = 0x10
	dirCCW = 0x20
)

// Full-step states: one step per detent (pins idle at 11).
const (
	fsStart = iota
	fsCWFinal
	fsCWBegin
	fsCWNext
	fsCCWBegin
	fsCCWFinal
	fsCCWNext
)

var fullStepTable = [7][4]uint8{
	fsStart:    {fsStart, fsCWBegin, fsCCWBegin, fsStart},
	fsCWFinal:  {fsCWNext, fsStart, fsCWFinal, fsStart | dirCW},
	fsCWBegin:  {fsCWNext, fsCWBegin, fsStart, fsStart},
	fsCWNext:   {fsCWNext, fsCWBegin, fsCWFinal, fsStart},
	fsCCWBegin: {fsCCWNext, fsStart, fsCCWBegin, fsStart},
	fsCCWFinal: {fsCCWNext, fsCCWFinal, fsStart, fsStart | dirCCW},
	fsCCWNext:  {fsCCWNext, fsCCWFinal, fsCCWBegin, fsStart},
}

// Half-step states: a step at both 00 and 11.
const (
	hsStart = iota
	hsCCWBegin
	hsCWBegin
	hsStartM
	hsCWBeginM
	hsCCWBeginM
)

var halfStepTable = [6][4]uint8{
	hsStart:     {hsStartM, hsCWBegin, hsCCWBegin, hsStart},
	hsCCWBegin:  {hsStartM | dirCCW, hsStart, hsCCWBegin, hsStart},
	hsCWBegin:   {hsStartM | dirCW, hsCWBegin, hsStart, hsStart},
	hsStartM:    {hsStartM, hsCCWBeginM, hsCWBeginM, hsStart},
	hsCWBeginM:  {hsStartM, hsStartM, hsCWBeginM, hsStart | dirCW},
	hsCCWBeginM: {hsStartM, hsCCWBeginM, hsStartM, hsStart | dirCCW},
}

// Decoder turns CLK/DT samples into steps.
type Decoder struct {
	mode  angle.StepMode
	state uint8
}

// NewDecoder returns a decoder for the given step mode.
func NewDecoder(mode angle.StepMode) *Decoder {
	return &Decoder{mode: mode}
}

// Process feeds one sample of the two encoder lines and returns the completed
// step, if any.
func (d *Decoder) Process(clk, dt gpio.Level) angle.Direction {
	var pins uint8
	if clk == gpio.High {
		pins |= 2
	}
	if dt == gpio.High {
		pins |= 1
	}

	if d.mode == angle.HalfStep {
		d.state = halfStepTable[d.state&0x0f][pins]
	} else {
		d.state = fullStepTable[d.state&0x0f][pins]
	}

	switch d.state & 0x30 {
	case dirCW:
		return angle.Clockwise
	case dirCCW:
		return angle.CounterClockwise
	default:
		return angle.None
	}
}
