// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package modstore resolves agent module references to module bytes.
package modstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jllopis/tessera/pkg/catalog"
	"github.com/jllopis/tessera/pkg/errors"
)

// DigestPrefix prefixes every module digest.
const DigestPrefix = "sha256:"

// FS reads modules from a directory. Names are paths relative to Root and
// may not leave it.
type FS struct {
	Root string

	cache *lru.Cache[string, []byte]
}

// NewFS returns a store rooted at root that keeps up to cacheSize verified
// modules in memory. cacheSize <= 0 disables caching.
func NewFS(root string, cacheSize int) (*FS, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New(errors.CodeConfig, "module store root is required", nil)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.New(errors.CodeConfig, "module store root", err).WithContext("root", root)
	}
	if !info.IsDir() {
		return nil, errors.New(errors.CodeConfig, "module store root is not a directory", nil).WithContext("root", root)
	}
	s := &FS{Root: root}
	if cacheSize > 0 {
		s.cache, _ = lru.New[string, []byte](cacheSize)
	}
	return s, nil
}

// Digest returns the sha256 digest of bin with DigestPrefix.
func Digest(bin []byte) string {
	sum := sha256.Sum256(bin)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// Module returns the bytes of agent's module, verified against its digest
// when one is set.
func (s *FS) Module(ctx context.Context, agent catalog.Agent) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.CodeCanceled, "module lookup canceled", err)
	}
	ref := agent.Module
	name, err := cleanName(ref.Name)
	if err != nil {
		return nil, err
	}
	key := name + "@" + ref.Digest
	if s.cache != nil && ref.Digest != "" {
		if bin, ok := s.cache.Get(key); ok {
			return bin, nil
		}
	}

	root, err := os.OpenRoot(s.Root)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "open module store", err).WithContext("root", s.Root)
	}
	defer root.Close()
	bin, err := fs.ReadFile(root.FS(), name)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.New(errors.CodeNotFound, "module not found", err).
				WithContext("module", ref.Name).
				WithContext("agent_id", agent.ID)
		}
		return nil, errors.New(errors.CodeModuleLoadFailed, "read module", err).WithContext("module", ref.Name)
	}

	if ref.Digest != "" {
		if got := Digest(bin); got != ref.Digest {
			return nil, errors.New(errors.CodeModuleLoadFailed, "module digest mismatch", nil).
				WithContext("module", ref.Name).
				WithContext("want", ref.Digest).
				WithContext("got", got)
		}
		if s.cache != nil {
			s.cache.Add(key, bin)
		}
	}
	return bin, nil
}

// Put writes bin under name and returns its digest.
func (s *FS) Put(name string, bin []byte) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.Root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.New(errors.CodeInternal, "create module directory", err).WithContext("module", name)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".module-*")
	if err != nil {
		return "", errors.New(errors.CodeInternal, "write module", err).WithContext("module", name)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(bin); err != nil {
		tmp.Close()
		return "", errors.New(errors.CodeInternal, "write module", err).WithContext("module", name)
	}
	if err := tmp.Close(); err != nil {
		return "", errors.New(errors.CodeInternal, "write module", err).WithContext("module", name)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errors.New(errors.CodeInternal, "write module", err).WithContext("module", name)
	}
	return Digest(bin), nil
}

func cleanName(name string) (string, error) {
	slashed := filepath.ToSlash(strings.TrimSpace(name))
	if slashed == "" || !filepath.IsLocal(filepath.FromSlash(slashed)) {
		return "", errors.New(errors.CodeInvalidInput, "module name must be a relative path inside the store", nil).
			WithContext("module", name)
	}
	return slashed, nil
}
