package tracking

import "math"

// Accumulator keeps the running session distance. It never decreases.
type Accumulator struct {
	meters float64
}

// NewAccumulator resumes an accumulator from a checkpointed total.
func NewAccumulator(meters float64) *Accumulator {
	a := &Accumulator{}
	a.Add(meters)
	return a
}

// Add increments the total. Negative or non-finite deltas are ignored.
func (a *Accumulator) Add(deltaM float64) {
	if deltaM <= 0 || math.IsNaN(deltaM) || math.IsInf(deltaM, 0) {
		return
	}
	a.meters += deltaM
}

// Meters returns the accumulated distance in metres.
func (a *Accumulator) Meters() float64 { return a.meters }

// TotalKm returns the accumulated distance in kilometres.
func (a *Accumulator) TotalKm() float64 { return a.meters / 1000 }
