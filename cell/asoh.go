// Package cell holds the battery cell description used by the estimator:
// the advanced-state-of-health parameter vector (ASOH), the fast transient
// state, and the cell model contract that maps both to a terminal voltage.
package cell

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Hysteresis describes the voltage hysteresis of a cell: gamma is the
// magnitude (V) the hysteresis voltage relaxes toward, kappa the unitless
// relaxation rate.
type Hysteresis struct {
	Gamma float64 `yaml:"gamma"`
	Kappa float64 `yaml:"kappa"`
}

// ASOH is the advanced state of health of a cell: the slowly varying
// physical parameters. Individual scalar leaves can be marked updatable, in
// which case they become part of the vector the filter estimates.
type ASOH struct {
	CapacityAh float64    `yaml:"capacity"`
	R0         Curve      `yaml:"r0"`
	OCV        Curve      `yaml:"ocv"`
	Hysteresis Hysteresis `yaml:"hysteresis"`

	updatable map[string]bool
}

// leafPaths is the fixed traversal order of addressable parameter leaves.
// The flattened updatable view always follows this order, never the order in
// which MarkUpdatable was called.
var leafPaths = []string{
	"capacity",
	"r0.base_values",
	"ocv.base_values",
	"hysteresis.gamma",
	"hysteresis.kappa",
}

// LeafPaths returns the addressable parameter paths in traversal order.
func LeafPaths() []string {
	out := make([]string, len(leafPaths))
	copy(out, leafPaths)
	return out
}

// DefaultASOH returns parameters for a nominal single li-ion cell. Serialized
// documents are parsed over these defaults, so partial documents are valid.
func DefaultASOH() *ASOH {
	return &ASOH{
		CapacityAh: 1.0,
		R0: Curve{
			SOCPivots:  []float64{0.0, 0.5, 1.0},
			BaseValues: []float64{0.05, 0.04, 0.04},
		},
		OCV: Curve{
			SOCPivots:  []float64{0.0, 0.25, 0.5, 0.75, 1.0},
			BaseValues: []float64{3.0, 3.5, 3.65, 3.9, 4.2},
		},
		Hysteresis: Hysteresis{Gamma: 0.0, Kappa: 1.0},
	}
}

// ParseASOH parses a YAML parameter document. Missing groups keep their
// default values. Updatable marks are a runtime concern and are never part
// of the document; apply them after parsing.
func ParseASOH(data []byte) (*ASOH, error) {
	a := DefaultASOH()
	if err := yaml.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("parsing ASOH document: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Marshal serializes the parameter document. Parse and Marshal round-trip
// value for value.
func (a *ASOH) Marshal() ([]byte, error) {
	return yaml.Marshal(a)
}

// Validate checks the parameter groups are internally consistent.
func (a *ASOH) Validate() error {
	if a.CapacityAh <= 0 {
		return fmt.Errorf("capacity must be positive, got %g", a.CapacityAh)
	}
	if err := a.R0.Validate(); err != nil {
		return fmt.Errorf("r0: %w", err)
	}
	if err := a.OCV.Validate(); err != nil {
		return fmt.Errorf("ocv: %w", err)
	}
	return nil
}

// Clone returns a deep copy, including updatable marks. The filter works on
// a clone so the caller's reference instance is never mutated.
func (a *ASOH) Clone() *ASOH {
	c := &ASOH{
		CapacityAh: a.CapacityAh,
		R0:         Curve{SOCPivots: append([]float64(nil), a.R0.SOCPivots...), BaseValues: append([]float64(nil), a.R0.BaseValues...)},
		OCV:        Curve{SOCPivots: append([]float64(nil), a.OCV.SOCPivots...), BaseValues: append([]float64(nil), a.OCV.BaseValues...)},
		Hysteresis: a.Hysteresis,
	}
	if a.updatable != nil {
		c.updatable = make(map[string]bool, len(a.updatable))
		for k, v := range a.updatable {
			c.updatable[k] = v
		}
	}
	return c
}

// leaves resolves a path to pointers at its scalar leaves.
func (a *ASOH) leaves(path string) ([]*float64, error) {
	switch path {
	case "capacity":
		return []*float64{&a.CapacityAh}, nil
	case "r0.base_values":
		return float64ptrs(a.R0.BaseValues), nil
	case "ocv.base_values":
		return float64ptrs(a.OCV.BaseValues), nil
	case "hysteresis.gamma":
		return []*float64{&a.Hysteresis.Gamma}, nil
	case "hysteresis.kappa":
		return []*float64{&a.Hysteresis.Kappa}, nil
	}
	return nil, &UnknownPathError{Path: path}
}

func float64ptrs(vals []float64) []*float64 {
	out := make([]*float64, len(vals))
	for i := range vals {
		out[i] = &vals[i]
	}
	return out
}

// MarkUpdatable flags all scalar leaves under the given path as part of the
// estimated vector. Calling it twice on the same path is the same as once.
func (a *ASOH) MarkUpdatable(path string) error {
	if _, err := a.leaves(path); err != nil {
		return err
	}
	if a.updatable == nil {
		a.updatable = make(map[string]bool)
	}
	a.updatable[path] = true
	return nil
}

// NumUpdatable returns the number of scalar leaves currently marked
// updatable.
func (a *ASOH) NumUpdatable() int {
	n := 0
	for _, path := range leafPaths {
		if a.updatable[path] {
			ptrs, _ := a.leaves(path)
			n += len(ptrs)
		}
	}
	return n
}

// UpdatableValues returns the flattened updatable view. The ordering is the
// fixed leaf traversal order and is stable across calls absent further
// mutation.
func (a *ASOH) UpdatableValues() []float64 {
	var out []float64
	for _, path := range leafPaths {
		if a.updatable[path] {
			ptrs, _ := a.leaves(path)
			for _, p := range ptrs {
				out = append(out, *p)
			}
		}
	}
	return out
}

// ApplyUpdatableValues writes a flattened value slice back into the
// updatable leaves, in the same order UpdatableValues produces them.
func (a *ASOH) ApplyUpdatableValues(values []float64) error {
	want := a.NumUpdatable()
	if len(values) != want {
		return &DimensionMismatchError{Want: want, Got: len(values)}
	}
	i := 0
	for _, path := range leafPaths {
		if a.updatable[path] {
			ptrs, _ := a.leaves(path)
			for _, p := range ptrs {
				*p = values[i]
				i++
			}
		}
	}
	return nil
}

// UpdatableLabels returns one label per updatable scalar leaf, e.g.
// "r0.base_values[2]", in the same order as UpdatableValues.
func (a *ASOH) UpdatableLabels() []string {
	var out []string
	for _, path := range leafPaths {
		if a.updatable[path] {
			ptrs, _ := a.leaves(path)
			if len(ptrs) == 1 {
				out = append(out, path)
				continue
			}
			for i := range ptrs {
				out = append(out, fmt.Sprintf("%s[%d]", path, i))
			}
		}
	}
	return out
}
