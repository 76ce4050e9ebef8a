package resolver

import (
	"math"

	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/angle"
	"github.com/peteGSX-Projects/DCCEXRotaryEncoder/internal/logic/position"
)

// Result is the selection for one angle. Entry points into the table and is
// nil when no entry is within tolerance.
type Result struct {
	Entry           *position.Entry
	HomeAligned     bool
	WithinTolerance bool
}

// ID returns the selected entry id, or position.NoSelection.
func (r Result) ID() uint8 {
	if r.Entry == nil {
		return position.NoSelection
	}
	return r.Entry.ID
}

// CircularDistance returns the smaller of the clockwise and counter-clockwise
// separations between a and b, in degrees. The result is in [0, 180].
func CircularDistance(a, b float64) float64 {
	d := math.Abs(angle.Normalize(a) - angle.Normalize(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Resolver maps angles to table entries. It holds no state between calls.
type Resolver struct {
	table         *position.Table
	tolerance     float64
	homeTolerance float64
}

// New creates a resolver. tolerance applies to table entries, homeTolerance
// to the home mark.
func New(table *position.Table, tolerance, homeTolerance float64) *Resolver {
	return &Resolver{
		table:         table,
		tolerance:     tolerance,
		homeTolerance: homeTolerance,
	}
}

// Table returns the table the resolver matches against.
func (r *Resolver) Table() *position.Table {
	return r.table
}

// Resolve finds the entry nearest to a. Equidistant entries resolve to the
// one earlier in the table.
func (r *Resolver) Resolve(a float64) Result {
	var res Result

	best := -1
	bestDist := math.Inf(1)
	for i := 0; i < r.table.Len(); i++ {
		d := CircularDistance(a, float64(r.table.At(i).Angle))
		// strict less-than keeps the earlier entry on ties
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best >= 0 && bestDist <= r.tolerance {
		res.Entry = r.table.At(best)
		res.WithinTolerance = true
	}

	res.HomeAligned = CircularDistance(a, float64(r.table.HomeAngle())) <= r.homeTolerance
	return res
}
