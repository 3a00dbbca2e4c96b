// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse reads the compact notation used by the CLI and the HTTP API:
//
//	image                    state: input and output are "image"
//	image@jpg,png            state with formats
//	image->text@jpg          transformation with formats
//	image->text@jpg#1920x1080
func Parse(s string) (Capability, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Capability{}, fmt.Errorf("empty capability")
	}

	var res *Resolution
	if i := strings.LastIndexByte(s, '#'); i >= 0 {
		r, err := parseResolution(s[i+1:])
		if err != nil {
			return Capability{}, err
		}
		res = &r
		s = s[:i]
	}

	var formats []string
	if i := strings.IndexByte(s, '@'); i >= 0 {
		for _, f := range strings.Split(s[i+1:], ",") {
			if f = strings.TrimSpace(f); f != "" {
				formats = append(formats, f)
			}
		}
		if len(formats) == 0 {
			return Capability{}, fmt.Errorf("capability %q: empty format list", s)
		}
		s = s[:i]
	}

	in, out, found := strings.Cut(s, "->")
	if !found {
		out = in
	}
	for _, typ := range []string{in, out} {
		if strings.Contains(typ, "->") || strings.ContainsAny(typ, "/@,#") {
			return Capability{}, fmt.Errorf("capability %q: invalid type tag %q", s, typ)
		}
	}
	c := New(in, out, formats...)
	c.MaxResolution = res
	if err := c.Validate(); err != nil {
		return Capability{}, err
	}
	return c, nil
}

// MustParse is Parse for literals; it panics on error.
func MustParse(s string) Capability {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

func parseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("resolution %q: expected WIDTHxHEIGHT", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolution width %q: %w", w, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolution height %q: %w", h, err)
	}
	if width <= 0 || height <= 0 {
		return Resolution{}, fmt.Errorf("resolution %q must be positive", s)
	}
	return Resolution{Width: width, Height: height}, nil
}
