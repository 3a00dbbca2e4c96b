// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jllopis/tessera/pkg/errors"
)

// ScratchPrefix names every directory created by TempScratch.
const ScratchPrefix = "tessera-"

// Scratch is the host directory mounted as a sandbox's filesystem root.
type Scratch interface {
	Root() string
	Release() error
}

// ScratchFactory returns a fresh scratch root for one pipeline step.
type ScratchFactory func(ctx context.Context, runID string, step int) (Scratch, error)

type tempScratch struct {
	root string
}

func (s *tempScratch) Root() string { return s.root }

func (s *tempScratch) Release() error { return os.RemoveAll(s.root) }

// TempScratch creates one directory per step under base (os.TempDir when
// empty) and removes it on Release.
func TempScratch(base string) ScratchFactory {
	return func(ctx context.Context, runID string, step int) (Scratch, error) {
		if err := ctx.Err(); err != nil {
			return nil, errors.New(errors.CodeCanceled, "scratch allocation canceled", err)
		}
		dir := base
		if dir == "" {
			dir = os.TempDir()
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errors.New(errors.CodeInternal, "create scratch base", err).WithContext("base", dir)
		}
		pattern := fmt.Sprintf("%s%s-%d-*", ScratchPrefix, sanitize(runID), step)
		root, err := os.MkdirTemp(dir, pattern)
		if err != nil {
			return nil, errors.New(errors.CodeInternal, "create scratch root", err).WithContext("base", dir)
		}
		if resolved, err := filepath.EvalSymlinks(root); err == nil {
			root = resolved
		}
		return &tempScratch{root: root}, nil
	}
}

// NoScratch gives steps no filesystem at all.
func NoScratch() ScratchFactory {
	return func(context.Context, string, int) (Scratch, error) {
		return noScratch{}, nil
	}
}

type noScratch struct{}

func (noScratch) Root() string   { return "" }
func (noScratch) Release() error { return nil }

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}
