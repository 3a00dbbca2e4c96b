// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability describes what an agent consumes and produces, and
// the distance between two such descriptions.
//
// A Capability is an immutable value. Two capabilities are compared, never
// merged, and equality is structural. The distance function is used both as
// an edge cost between agents and as the planner heuristic towards a goal.
package capability

import (
	"fmt"
	"slices"
	"strings"
)

// Resolution bounds the spatial size of an artifact.
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Fits reports whether r fits inside other.
func (r Resolution) Fits(other Resolution) bool {
	return r.Width <= other.Width && r.Height <= other.Height
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Capability is the typed description of an agent's input and output.
type Capability struct {
	InputType     string      `json:"input_type" yaml:"input_type"`
	OutputType    string      `json:"output_type" yaml:"output_type"`
	Formats       []string    `json:"formats,omitempty" yaml:"formats,omitempty"`
	MaxResolution *Resolution `json:"max_resolution,omitempty" yaml:"max_resolution,omitempty"`
}

// New builds a normalized capability.
func New(inputType, outputType string, formats ...string) Capability {
	return Capability{
		InputType:  inputType,
		OutputType: outputType,
		Formats:    formats,
	}.Normalize()
}

// State builds a capability describing an artifact at rest: input and
// output are the same type. Planner start and goal values are states.
func State(typ string, formats ...string) Capability {
	return New(typ, typ, formats...)
}

// WithMaxResolution returns a copy of c bounded by the given resolution.
func (c Capability) WithMaxResolution(width, height int) Capability {
	c.MaxResolution = &Resolution{Width: width, Height: height}
	return c
}

// Normalize returns a copy with trimmed type tags and a lower-case, sorted,
// de-duplicated format set. The receiver is left untouched.
func (c Capability) Normalize() Capability {
	out := Capability{
		InputType:  strings.TrimSpace(c.InputType),
		OutputType: strings.TrimSpace(c.OutputType),
	}
	if len(c.Formats) > 0 {
		formats := make([]string, 0, len(c.Formats))
		for _, f := range c.Formats {
			f = strings.ToLower(strings.TrimSpace(f))
			if f != "" {
				formats = append(formats, f)
			}
		}
		slices.Sort(formats)
		out.Formats = slices.Compact(formats)
	}
	if c.MaxResolution != nil {
		r := *c.MaxResolution
		out.MaxResolution = &r
	}
	return out
}

// Validate checks that the capability is well formed.
func (c Capability) Validate() error {
	if strings.TrimSpace(c.InputType) == "" {
		return fmt.Errorf("capability input_type is required")
	}
	if strings.TrimSpace(c.OutputType) == "" {
		return fmt.Errorf("capability output_type is required")
	}
	for _, f := range c.Formats {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("capability formats must not contain empty entries")
		}
		if strings.ContainsAny(f, ",@#") {
			return fmt.Errorf("capability format %q contains a reserved character", f)
		}
	}
	if r := c.MaxResolution; r != nil && (r.Width <= 0 || r.Height <= 0) {
		return fmt.Errorf("capability max_resolution must be positive, got %s", r)
	}
	return nil
}

// Equal reports structural equality. Format order and case are ignored.
func (c Capability) Equal(other Capability) bool {
	a, b := c.Normalize(), other.Normalize()
	if a.InputType != b.InputType || a.OutputType != b.OutputType {
		return false
	}
	if !slices.Equal(a.Formats, b.Formats) {
		return false
	}
	switch {
	case a.MaxResolution == nil && b.MaxResolution == nil:
		return true
	case a.MaxResolution == nil || b.MaxResolution == nil:
		return false
	default:
		return *a.MaxResolution == *b.MaxResolution
	}
}

// HasFormat reports whether c lists the given format. An empty set accepts any.
func (c Capability) HasFormat(format string) bool {
	if len(c.Formats) == 0 {
		return true
	}
	format = strings.ToLower(strings.TrimSpace(format))
	for _, f := range c.Formats {
		if strings.EqualFold(strings.TrimSpace(f), format) {
			return true
		}
	}
	return false
}

// String renders c in the notation accepted by Parse.
func (c Capability) String() string {
	var b strings.Builder
	if c.InputType == c.OutputType {
		b.WriteString(c.InputType)
	} else {
		b.WriteString(c.InputType)
		b.WriteString("->")
		b.WriteString(c.OutputType)
	}
	if len(c.Formats) > 0 {
		b.WriteByte('@')
		b.WriteString(strings.Join(c.Formats, ","))
	}
	if c.MaxResolution != nil {
		b.WriteByte('#')
		b.WriteString(c.MaxResolution.String())
	}
	return b.String()
}
