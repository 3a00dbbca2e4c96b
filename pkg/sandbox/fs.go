// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"io/fs"
	"path"
	"strings"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/experimental/sysfs"
	"github.com/tetratelabs/wazero/sys"
)

// confinedFS is the only filesystem a guest sees. It mounts one host
// directory and refuses any path that is absolute, escapes with "..", or
// traverses a symbolic link. Creating links is not allowed at all, so the
// guest cannot manufacture an escape either.
type confinedFS struct {
	experimentalsys.FS
}

func newConfinedFS(root string) *confinedFS {
	return &confinedFS{FS: sysfs.DirFS(root)}
}

// check validates p and rejects symlinks on every existing component.
func (c *confinedFS) check(p string) experimentalsys.Errno {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		p = "."
	}
	if !fs.ValidPath(p) || path.Clean(p) != p {
		return experimentalsys.EPERM
	}
	if p == "." {
		return 0
	}
	prefix := ""
	for _, part := range strings.Split(p, "/") {
		if prefix == "" {
			prefix = part
		} else {
			prefix += "/" + part
		}
		st, errno := c.FS.Lstat(prefix)
		if errno == experimentalsys.ENOENT {
			return 0
		}
		if errno != 0 {
			return errno
		}
		if st.Mode&fs.ModeSymlink != 0 {
			return experimentalsys.EPERM
		}
	}
	return 0
}

func (c *confinedFS) OpenFile(p string, flag experimentalsys.Oflag, perm fs.FileMode) (experimentalsys.File, experimentalsys.Errno) {
	if errno := c.check(p); errno != 0 {
		return nil, errno
	}
	return c.FS.OpenFile(p, flag, perm)
}

// Lstat may name a link itself, but never reach one through a linked
// parent directory.
func (c *confinedFS) Lstat(p string) (sys.Stat_t, experimentalsys.Errno) {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		p = "."
	}
	if !fs.ValidPath(p) || path.Clean(p) != p {
		return sys.Stat_t{}, experimentalsys.EPERM
	}
	if errno := c.check(path.Dir(p)); errno != 0 {
		return sys.Stat_t{}, errno
	}
	return c.FS.Lstat(p)
}

func (c *confinedFS) Stat(p string) (sys.Stat_t, experimentalsys.Errno) {
	if errno := c.check(p); errno != 0 {
		return sys.Stat_t{}, errno
	}
	return c.FS.Stat(p)
}

func (c *confinedFS) Mkdir(p string, perm fs.FileMode) experimentalsys.Errno {
	if errno := c.check(p); errno != 0 {
		return errno
	}
	return c.FS.Mkdir(p, perm)
}

func (c *confinedFS) Chmod(p string, perm fs.FileMode) experimentalsys.Errno {
	if errno := c.check(p); errno != 0 {
		return errno
	}
	return c.FS.Chmod(p, perm)
}

func (c *confinedFS) Rename(from, to string) experimentalsys.Errno {
	if errno := c.check(from); errno != 0 {
		return errno
	}
	if errno := c.check(to); errno != 0 {
		return errno
	}
	return c.FS.Rename(from, to)
}

func (c *confinedFS) Rmdir(p string) experimentalsys.Errno {
	if errno := c.check(p); errno != 0 {
		return errno
	}
	return c.FS.Rmdir(p)
}

func (c *confinedFS) Unlink(p string) experimentalsys.Errno {
	if errno := c.check(p); errno != 0 {
		return errno
	}
	return c.FS.Unlink(p)
}

func (c *confinedFS) Utimens(p string, atim, mtim int64) experimentalsys.Errno {
	if errno := c.check(p); errno != 0 {
		return errno
	}
	return c.FS.Utimens(p, atim, mtim)
}

func (c *confinedFS) Link(string, string) experimentalsys.Errno {
	return experimentalsys.EPERM
}

func (c *confinedFS) Symlink(string, string) experimentalsys.Errno {
	return experimentalsys.EPERM
}

// Readlink would hand the guest a host path.
func (c *confinedFS) Readlink(string) (string, experimentalsys.Errno) {
	return "", experimentalsys.EPERM
}
