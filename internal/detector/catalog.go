package detector

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"detection-engine/internal/model"
)

// ErrUnknownKind is returned for a kind outside the built-in catalog.
var ErrUnknownKind = errors.New("unknown detector kind")

// Params are numeric detector parameters, e.g. {"period": 14}.
type Params map[string]float64

// Spec declares one detector instance.
type Spec struct {
	Name      string
	Kind      string
	Category  model.Category
	Timeframe model.Timeframe
	MinBars   int // 0 means the kind's intrinsic need
	Params    Params
}

// kind is one entry of the built-in catalog.
type kind struct {
	category model.Category
	defaults Params
	minBars  func(p Params) int
	build    func(p Params) Detector
}

func fixed(n int) func(Params) int { return func(Params) int { return n } }

var catalog = map[string]kind{
	"doji": {
		category: model.CategoryPattern,
		defaults: Params{"max_body": 0.1},
		minBars:  fixed(1),
		build:    func(p Params) Detector { return doji(p["max_body"]) },
	},
	"hammer": {
		category: model.CategoryPattern,
		defaults: Params{"wick_ratio": 2},
		minBars:  fixed(1),
		build:    func(p Params) Detector { return hammer(p["wick_ratio"]) },
	},
	"shooting_star": {
		category: model.CategoryPattern,
		defaults: Params{"wick_ratio": 2},
		minBars:  fixed(1),
		build:    func(p Params) Detector { return shootingStar(p["wick_ratio"]) },
	},
	"bullish_engulfing": {
		category: model.CategoryPattern,
		minBars:  fixed(2),
		build:    func(Params) Detector { return bullishEngulfing() },
	},
	"bearish_engulfing": {
		category: model.CategoryPattern,
		minBars:  fixed(2),
		build:    func(Params) Detector { return bearishEngulfing() },
	},
	"morning_star": {
		category: model.CategoryPattern,
		minBars:  fixed(3),
		build:    func(Params) Detector { return morningStar() },
	},
	"sma": {
		category: model.CategoryIndicator,
		defaults: Params{"period": 20},
		minBars:  func(p Params) int { return int(p["period"]) },
		build:    func(p Params) Detector { return sma(int(p["period"])) },
	},
	"ema": {
		category: model.CategoryIndicator,
		defaults: Params{"period": 9},
		minBars:  func(p Params) int { return int(p["period"]) },
		build:    func(p Params) Detector { return ema(int(p["period"])) },
	},
	"rsi": {
		category: model.CategoryIndicator,
		defaults: Params{"period": 14},
		minBars:  func(p Params) int { return int(p["period"]) + 1 },
		build:    func(p Params) Detector { return rsi(int(p["period"])) },
	},
	"volume_spike": {
		category: model.CategoryIndicator,
		defaults: Params{"lookback": 20, "multiple": 3},
		minBars:  func(p Params) int { return int(p["lookback"]) + 1 },
		build:    func(p Params) Detector { return volumeSpike(int(p["lookback"]), p["multiple"]) },
	},
}

// integral params must be whole numbers of at least 1.
var integral = map[string]bool{"period": true, "lookback": true}

// Kinds lists the catalog kinds in lexical order.
func Kinds() []string {
	out := make([]string, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NewDescriptor resolves a spec against the catalog.
func NewDescriptor(s Spec) (Descriptor, error) {
	k, ok := catalog[s.Kind]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w %q (detector %q)", ErrUnknownKind, s.Kind, s.Name)
	}
	if s.Category != k.category {
		return Descriptor{}, fmt.Errorf("detector %q: kind %s is a %s detector, not %s",
			s.Name, s.Kind, k.category, s.Category)
	}

	p := Params{}
	for name, v := range k.defaults {
		p[name] = v
	}
	for name, v := range s.Params {
		if _, known := k.defaults[name]; !known {
			return Descriptor{}, fmt.Errorf("detector %q: unknown param %q for kind %s", s.Name, name, s.Kind)
		}
		p[name] = v
	}
	for name, v := range p {
		if integral[name] && (v < 1 || v != math.Trunc(v)) {
			return Descriptor{}, fmt.Errorf("detector %q: param %s must be a positive integer, got %v", s.Name, name, v)
		}
		if !integral[name] && v <= 0 {
			return Descriptor{}, fmt.Errorf("detector %q: param %s must be positive, got %v", s.Name, name, v)
		}
	}

	need := k.minBars(p)
	minBars := s.MinBars
	if minBars == 0 {
		minBars = need
	}
	if minBars < need {
		return Descriptor{}, fmt.Errorf("detector %q: min bars %d below the %d kind %s requires",
			s.Name, minBars, need, s.Kind)
	}

	return Descriptor{
		Name:      s.Name,
		Category:  s.Category,
		Timeframe: s.Timeframe,
		MinBars:   minBars,
		Detector:  k.build(p),
	}, nil
}

// Build resolves and registers every spec, then seals the registry.
func Build(specs []Spec) (*Registry, error) {
	r := NewRegistry()
	for _, s := range specs {
		d, err := NewDescriptor(s)
		if err != nil {
			return nil, err
		}
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	r.Seal()
	return r, nil
}
