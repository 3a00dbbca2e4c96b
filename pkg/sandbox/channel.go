// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Data channel layout in guest linear memory. Each buffer is a little-endian
// u32 length followed by that many bytes.
const (
	InputOffset  uint32 = 0x10000
	OutputOffset uint32 = 0x20000
	MaxPayload          = 0x10000 - 4

	channelEnd = OutputOffset + 4 + MaxPayload
	pageSize   = 65536
)

// errBounds marks a host-observed out-of-bounds access.
type errBounds struct{ msg string }

func (e errBounds) Error() string { return e.msg }

// ensureChannel grows mem until the whole channel fits.
func ensureChannel(mem api.Memory) error {
	if size := mem.Size(); size < channelEnd {
		pages := (channelEnd - size + pageSize - 1) / pageSize
		if _, ok := mem.Grow(pages); !ok {
			return errBounds{fmt.Sprintf("memory of %d bytes cannot grow to hold the data channel (%d bytes)", size, channelEnd)}
		}
	}
	return nil
}

func writeInput(mem api.Memory, input []byte) error {
	if len(input) > MaxPayload {
		return errBounds{fmt.Sprintf("input of %d bytes exceeds %d", len(input), MaxPayload)}
	}
	if !mem.WriteUint32Le(InputOffset, uint32(len(input))) {
		return errBounds{"input length slot out of range"}
	}
	if !mem.Write(InputOffset+4, input) {
		return errBounds{"input buffer out of range"}
	}
	if !mem.WriteUint32Le(OutputOffset, 0) {
		return errBounds{"output length slot out of range"}
	}
	return nil
}

// readOutput validates the guest-written length before reading and copies
// the bytes out of guest memory.
func readOutput(mem api.Memory) ([]byte, error) {
	n, ok := mem.ReadUint32Le(OutputOffset)
	if !ok {
		return nil, errBounds{"output length slot out of range"}
	}
	if n > MaxPayload {
		return nil, errBounds{fmt.Sprintf("output length %d exceeds %d", n, MaxPayload)}
	}
	view, ok := mem.Read(OutputOffset+4, n)
	if !ok {
		return nil, errBounds{fmt.Sprintf("output buffer of %d bytes out of range", n)}
	}
	out := make([]byte, n)
	copy(out, view)
	return out, nil
}
