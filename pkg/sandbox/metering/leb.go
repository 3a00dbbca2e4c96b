// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"errors"
	"fmt"
)

// ErrMalformed reports a binary that does not decode as a wasm module.
var ErrMalformed = errors.New("malformed wasm module")

// ErrUnsupported reports a module using features the sandbox refuses.
var ErrUnsupported = errors.New("unsupported wasm feature")

type reader struct {
	b   []byte
	pos int
}

func (r *reader) eof() bool { return r.pos >= len(r.b) }

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, fmt.Errorf("%w: unexpected end at offset %d", ErrMalformed, r.pos)
	}
	c := r.b[r.pos]
	r.pos++
	return c, nil
}

func (r *reader) peekByte() (byte, error) {
	if r.pos >= len(r.b) {
		return 0, fmt.Errorf("%w: unexpected end at offset %d", ErrMalformed, r.pos)
	}
	return r.b[r.pos], nil
}

func (r *reader) next(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.b) {
		return nil, fmt.Errorf("%w: %d bytes past end at offset %d", ErrMalformed, n, r.pos)
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) u32() (uint32, error) {
	var v uint32
	for shift := 0; shift < 35; shift += 7 {
		c, err := r.readByte()
		if err != nil {
			return 0, err
		}
		if shift == 28 && c&0x70 != 0 {
			return 0, fmt.Errorf("%w: u32 overflow at offset %d", ErrMalformed, r.pos)
		}
		v |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: u32 too long at offset %d", ErrMalformed, r.pos)
}

// skipSigned skips a signed LEB128 of at most maxBytes.
func (r *reader) skipSigned(maxBytes int) error {
	for i := 0; i < maxBytes; i++ {
		c, err := r.readByte()
		if err != nil {
			return err
		}
		if c&0x80 == 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: signed leb too long at offset %d", ErrMalformed, r.pos)
}

func (r *reader) skipName() error {
	n, err := r.u32()
	if err != nil {
		return err
	}
	_, err = r.next(int(n))
	return err
}

func appendU32(dst []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst = append(dst, c|0x80)
			continue
		}
		return append(dst, c)
	}
}

func appendS64(dst []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(dst, c)
		}
		dst = append(dst, c|0x80)
	}
}

func appendName(dst []byte, name string) []byte {
	dst = appendU32(dst, uint32(len(name)))
	return append(dst, name...)
}
