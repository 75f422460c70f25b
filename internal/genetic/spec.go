// Package genetic implements a population-based search over bounded
// indicator parameter spaces: parameter specs, candidates, and the
// generational optimizer itself.
package genetic

import (
	"fmt"
	"math"
)

// Kind is the value type of a single gene.
type Kind string

const (
	KindInt   Kind = "int"
	KindFloat Kind = "float"
	KindBool  Kind = "bool"
)

// ParameterSpec defines the legal domain of one gene. Specs are built
// once at startup and never mutated; candidates always carry their own
// values.
type ParameterSpec struct {
	Name    string  `json:"name"`
	Kind    Kind    `json:"kind"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Step    float64 `json:"step"`
	Default float64 `json:"default"`
}

// Validate checks the spec invariants: min <= default <= max, and a
// positive step for numeric kinds.
func (s ParameterSpec) Validate() error {
	switch s.Kind {
	case KindBool:
		return nil
	case KindInt, KindFloat:
		if s.Min > s.Max {
			return fmt.Errorf("spec %s: min %v > max %v", s.Name, s.Min, s.Max)
		}
		if s.Default < s.Min || s.Default > s.Max {
			return fmt.Errorf("spec %s: default %v outside [%v, %v]", s.Name, s.Default, s.Min, s.Max)
		}
		if s.Step <= 0 {
			return fmt.Errorf("spec %s: step must be positive, got %v", s.Name, s.Step)
		}
		return nil
	default:
		return fmt.Errorf("spec %s: unknown kind %q", s.Name, s.Kind)
	}
}

// Clamp forces a raw value back inside the spec's bounds. Mutation may
// produce off-grid values; out-of-bounds values are never allowed.
func (s ParameterSpec) Clamp(v float64) float64 {
	if v < s.Min {
		return s.Min
	}
	if v > s.Max {
		return s.Max
	}
	return v
}

// ValidateSpecs validates a full spec set and rejects duplicate names.
func ValidateSpecs(specs []ParameterSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no parameter specs configured")
	}

	seen := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate parameter spec %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}

	return nil
}

// DefaultSpecs returns the parameter space of the reference squeeze
// momentum indicator.
func DefaultSpecs() []ParameterSpec {
	return []ParameterSpec{
		{Name: "length_bb", Kind: KindInt, Min: 5, Max: 200, Step: 1, Default: 20},
		{Name: "mult_bb", Kind: KindFloat, Min: 1.0, Max: 4.0, Step: 0.1, Default: 2.0},
		{Name: "length_kc", Kind: KindInt, Min: 5, Max: 200, Step: 1, Default: 20},
		{Name: "mult_kc", Kind: KindFloat, Min: 1.0, Max: 4.0, Step: 0.1, Default: 1.5},
		{Name: "use_true_range", Kind: KindBool, Min: 0, Max: 1, Step: 1, Default: 1},
	}
}

// Candidate maps parameter names to concrete values: int, float64, or
// bool depending on the spec kind.
type Candidate map[string]any

// Clone returns an independent copy of the candidate.
func (c Candidate) Clone() Candidate {
	clone := make(Candidate, len(c))
	for k, v := range c {
		clone[k] = v
	}
	return clone
}

// DefaultCandidate builds a candidate holding every spec's default value.
func DefaultCandidate(specs []ParameterSpec) Candidate {
	c := make(Candidate, len(specs))
	for _, s := range specs {
		switch s.Kind {
		case KindInt:
			c[s.Name] = int(s.Default)
		case KindBool:
			c[s.Name] = s.Default != 0
		default:
			c[s.Name] = s.Default
		}
	}
	return c
}

// IntValue coerces a candidate gene to int. JSON round-trips and external
// mutation sources deliver numbers as float64, so both are accepted.
func (c Candidate) IntValue(name string) (int, bool) {
	switch v := c[name].(type) {
	case int:
		return v, true
	case float64:
		return int(math.Round(v)), true
	default:
		return 0, false
	}
}

// FloatValue coerces a candidate gene to float64.
func (c Candidate) FloatValue(name string) (float64, bool) {
	switch v := c[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// BoolValue coerces a candidate gene to bool. Numeric values are treated
// as flags so persisted overrides can store 0/1.
func (c Candidate) BoolValue(name string) (bool, bool) {
	switch v := c[name].(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case int:
		return v != 0, true
	default:
		return false, false
	}
}

// Sanitize clamps every gene of a candidate to its spec bounds and
// coerces loosely-typed values onto the spec kinds. Unknown genes are
// dropped, missing genes are filled from defaults. Used on candidates
// coming back from an external mutation source.
func Sanitize(c Candidate, specs []ParameterSpec) Candidate {
	out := make(Candidate, len(specs))
	for _, s := range specs {
		switch s.Kind {
		case KindInt:
			v, ok := c.IntValue(s.Name)
			if !ok {
				v = int(s.Default)
			}
			out[s.Name] = int(s.Clamp(float64(v)))
		case KindBool:
			v, ok := c.BoolValue(s.Name)
			if !ok {
				v = s.Default != 0
			}
			out[s.Name] = v
		default:
			v, ok := c.FloatValue(s.Name)
			if !ok {
				v = s.Default
			}
			out[s.Name] = roundTo(s.Clamp(v), 6)
		}
	}
	return out
}

// roundTo rounds v to the given number of decimal places. Random floats
// are rounded to 6 decimals so runs are reproducible across platforms.
func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
