// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import "strings"

const (
	// DefaultTypeMismatchPenalty is added when the producer's output type
	// differs from the consumer's input type.
	DefaultTypeMismatchPenalty = 100.0

	// DefaultFormatMismatchPenalty is added when the format sets share no
	// encoding, or when resolution bounds do not fit.
	DefaultFormatMismatchPenalty = 10.0
)

// Policy holds the tunable penalty constants of the distance function.
// The constants steer the planner; they are not derived from a cost model.
type Policy struct {
	TypeMismatchPenalty   float64 `koanf:"type_mismatch" json:"type_mismatch" yaml:"type_mismatch"`
	FormatMismatchPenalty float64 `koanf:"format_mismatch" json:"format_mismatch" yaml:"format_mismatch"`
}

// DefaultPolicy returns the default penalties.
func DefaultPolicy() Policy {
	return Policy{
		TypeMismatchPenalty:   DefaultTypeMismatchPenalty,
		FormatMismatchPenalty: DefaultFormatMismatchPenalty,
	}
}

// Distance returns the distance from a's output to b's input under the
// default policy.
func Distance(a, b Capability) float64 {
	return DefaultPolicy().Distance(a, b)
}

// Distance returns the distance from a's output to b's input.
//
// Structurally equal capabilities are at distance zero. Otherwise a type
// mismatch and a format mismatch each add their penalty independently.
// The result is a heuristic, not a lower bound on real conversion cost.
func (p Policy) Distance(a, b Capability) float64 {
	if a.Equal(b) {
		return 0
	}
	var d float64
	if !Compatible(a, b) {
		d += p.TypeMismatchPenalty
	}
	if !FormatsOverlap(a, b) || !resolutionFits(a, b) {
		d += p.FormatMismatchPenalty
	}
	return d
}

// Compatible reports whether a's output type is b's input type.
func Compatible(a, b Capability) bool {
	return strings.TrimSpace(a.OutputType) == strings.TrimSpace(b.InputType)
}

// FormatsOverlap reports whether a and b share at least one format.
// An empty format set is a wildcard.
func FormatsOverlap(a, b Capability) bool {
	if len(a.Formats) == 0 || len(b.Formats) == 0 {
		return true
	}
	for _, f := range a.Formats {
		if b.HasFormat(f) {
			return true
		}
	}
	return false
}

// resolutionFits applies only when both sides declare a bound.
func resolutionFits(a, b Capability) bool {
	if a.MaxResolution == nil || b.MaxResolution == nil {
		return true
	}
	return a.MaxResolution.Fits(*b.MaxResolution)
}
