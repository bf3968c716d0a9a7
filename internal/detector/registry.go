package detector

import (
	"errors"
	"fmt"
	"sort"

	"detection-engine/internal/model"
)

var (
	// ErrSealed is returned by Register once the registry is sealed.
	ErrSealed = errors.New("detector registry is sealed")
	// ErrDuplicate is returned when a name is registered twice on one timeframe.
	ErrDuplicate = errors.New("duplicate detector")
)

// Registry holds the detectors registered at startup. Register is not safe
// for concurrent use; after Seal the registry is read-only and may be shared.
type Registry struct {
	byTF    map[model.Timeframe][]Descriptor
	maxBars map[model.Timeframe]int
	names   map[string]struct{}
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byTF:    make(map[model.Timeframe][]Descriptor),
		maxBars: make(map[model.Timeframe]int),
		names:   make(map[string]struct{}),
	}
}

// Register adds d. Detectors keep their registration order per timeframe.
func (r *Registry) Register(d Descriptor) error {
	if r.sealed {
		return ErrSealed
	}
	switch {
	case d.Name == "":
		return errors.New("detector name is required")
	case d.Detector == nil:
		return fmt.Errorf("detector %q: nil implementation", d.Name)
	case d.MinBars < 1:
		return fmt.Errorf("detector %q: min bars %d must be at least 1", d.Name, d.MinBars)
	case d.Timeframe.Duration() == 0:
		return fmt.Errorf("detector %q: unknown timeframe %q", d.Name, d.Timeframe)
	}
	if _, err := model.ParseCategory(string(d.Category)); err != nil {
		return fmt.Errorf("detector %q: %w", d.Name, err)
	}

	key := d.Name + "|" + string(d.Timeframe)
	if _, ok := r.names[key]; ok {
		return fmt.Errorf("%w: %s on %s", ErrDuplicate, d.Name, d.Timeframe)
	}
	r.names[key] = struct{}{}

	r.byTF[d.Timeframe] = append(r.byTF[d.Timeframe], d)
	if d.MinBars > r.maxBars[d.Timeframe] {
		r.maxBars[d.Timeframe] = d.MinBars
	}
	return nil
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.sealed = true
}

// Eligible returns the detectors for tf whose MinBars is satisfied by a
// buffer holding count bars, in registration order.
func (r *Registry) Eligible(tf model.Timeframe, count int) []Descriptor {
	all := r.byTF[tf]
	out := make([]Descriptor, 0, len(all))
	for _, d := range all {
		if count >= d.MinBars {
			out = append(out, d)
		}
	}
	return out
}

// MaxMinBars returns the largest MinBars registered for tf, or 0 if none.
// It is the buffer capacity a symbol needs on that timeframe.
func (r *Registry) MaxMinBars(tf model.Timeframe) int {
	return r.maxBars[tf]
}

// Timeframes returns the timeframes with at least one detector, sorted by
// interval length.
func (r *Registry) Timeframes() []model.Timeframe {
	out := make([]model.Timeframe, 0, len(r.byTF))
	for tf := range r.byTF {
		out = append(out, tf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Duration() < out[j].Duration() })
	return out
}

// Len returns the number of registered detectors.
func (r *Registry) Len() int {
	return len(r.names)
}
