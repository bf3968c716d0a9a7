// Package detector defines the detector contract, the closed catalog of
// built-in pattern and indicator detectors, and the registry the scheduler
// consults for eligibility.
//
// A detector is a pure function of a bar window. It receives exactly the
// last MinBars bars of one symbol and timeframe, oldest first, and reports
// whether it fired and with what value. For patterns the value is a
// confidence in [0, 1]; for indicators it is the indicator reading.
package detector

import (
	"context"

	"detection-engine/internal/model"
)

// Signal is the outcome of one evaluation.
type Signal struct {
	Fired bool
	Value float64
}

// Detector evaluates a bar window. Implementations must not retain or mutate
// the window. ctx carries the per-call deadline.
type Detector interface {
	Evaluate(ctx context.Context, window []model.Bar) (Signal, error)
}

// Func adapts a plain function to the Detector interface.
type Func func(window []model.Bar) (Signal, error)

// Evaluate calls f(window).
func (f Func) Evaluate(_ context.Context, window []model.Bar) (Signal, error) {
	return f(window)
}

// Descriptor is a registered detector and its eligibility rule.
type Descriptor struct {
	Name      string
	Category  model.Category
	Timeframe model.Timeframe
	MinBars   int
	Detector  Detector
}

func fired(v float64) Signal {
	return Signal{Fired: true, Value: v}
}
