// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package metering rewrites a WebAssembly binary so that it pays for the
// instructions it executes out of a fuel counter held in a module global.
//
// A metering point is injected at every function entry and at the head of
// every loop body. Each point charges the instruction count of the code it
// dominates lexically, up to the next nested loop, and traps with
// unreachable once the counter drops below zero. Forward branches never
// re-enter a region, so every executed instruction is paid for at least
// once per entry.
//
// The fuel global is appended after all existing globals and exported as
// FuelExport. A start section is removed and its function exported as
// StartExport so the host can install fuel before any guest code runs.
package metering

import (
	"bytes"
	"fmt"
)

const (
	// FuelExport is the export name of the injected fuel global.
	FuelExport = "__tessera_fuel"
	// StartExport is the export name given to a removed start function.
	StartExport = "__tessera_start"
)

const (
	secCustom    = 0
	secType      = 1
	secImport    = 2
	secFunction  = 3
	secTable     = 4
	secMemory    = 5
	secGlobal    = 6
	secExport    = 7
	secStart     = 8
	secElement   = 9
	secCode      = 10
	secData      = 11
	secDataCount = 12
	secTag       = 13
)

// order is the position of each known non-custom section in a valid module.
var order = map[byte]int{
	secType: 1, secImport: 2, secFunction: 3, secTable: 4, secMemory: 5,
	secGlobal: 6, secExport: 7, secStart: 8, secElement: 9,
	secDataCount: 10, secCode: 11, secData: 12,
}

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Module is an instrumented binary.
type Module struct {
	Binary []byte
	// FuelGlobal is the index of the injected global.
	FuelGlobal uint32
	// HasStart is set when a start function was moved to StartExport.
	HasStart bool
	// Points is the number of metering points injected.
	Points int
}

type section struct {
	id      byte
	payload []byte
}

// Instrument parses bin and returns the metered module. The input slice is
// not modified.
func Instrument(bin []byte) (*Module, error) {
	if len(bin) < len(header) || !bytes.Equal(bin[:len(header)], header) {
		return nil, fmt.Errorf("%w: bad magic or version", ErrMalformed)
	}
	sections, err := splitSections(bin[len(header):])
	if err != nil {
		return nil, err
	}

	var (
		importedGlobals uint32
		definedGlobals  uint32
		globalPayload   []byte
		exportPayload   []byte
		startFunc       uint32
		hasStart        bool
		codeIdx         = -1
	)
	for i, s := range sections {
		switch s.id {
		case secImport:
			if importedGlobals, err = countImportedGlobals(s.payload); err != nil {
				return nil, err
			}
		case secGlobal:
			globalPayload = s.payload
			if definedGlobals, err = vecCount(s.payload); err != nil {
				return nil, err
			}
		case secExport:
			exportPayload = s.payload
		case secStart:
			r := &reader{b: s.payload}
			if startFunc, err = r.u32(); err != nil {
				return nil, err
			}
			hasStart = true
		case secCode:
			codeIdx = i
		case secTag:
			return nil, fmt.Errorf("%w: exception handling", ErrUnsupported)
		}
	}

	fuel := importedGlobals + definedGlobals
	m := &Module{FuelGlobal: fuel, HasStart: hasStart}

	newGlobal, err := appendToVec(globalPayload, []byte{0x7e, 0x01, 0x42, 0x00, 0x0b}, 1)
	if err != nil {
		return nil, err
	}
	exports := appendName(nil, FuelExport)
	exports = append(exports, 0x03)
	exports = appendU32(exports, fuel)
	extra := uint32(1)
	if hasStart {
		exports = appendName(exports, StartExport)
		exports = append(exports, 0x00)
		exports = appendU32(exports, startFunc)
		extra++
	}
	newExport, err := appendToVec(exportPayload, exports, extra)
	if err != nil {
		return nil, err
	}
	if codeIdx >= 0 {
		code, points, err := instrumentCode(sections[codeIdx].payload, fuel)
		if err != nil {
			return nil, err
		}
		sections[codeIdx].payload = code
		m.Points = points
	}

	out := make([]byte, 0, len(bin)+len(bin)/4+64)
	out = append(out, header...)
	emittedGlobal, emittedExport := false, false
	flush := func(before int) {
		if !emittedGlobal && order[secGlobal] < before {
			out = appendSection(out, secGlobal, newGlobal)
			emittedGlobal = true
		}
		if !emittedExport && order[secExport] < before {
			out = appendSection(out, secExport, newExport)
			emittedExport = true
		}
	}
	for _, s := range sections {
		switch s.id {
		case secCustom:
			out = appendSection(out, s.id, s.payload)
			continue
		case secGlobal:
			flush(order[secGlobal])
			out = appendSection(out, secGlobal, newGlobal)
			emittedGlobal = true
			continue
		case secExport:
			flush(order[secExport])
			out = appendSection(out, secExport, newExport)
			emittedExport = true
			continue
		case secStart:
			continue
		}
		flush(order[s.id])
		out = appendSection(out, s.id, s.payload)
	}
	flush(len(order) + 1)
	m.Binary = out
	return m, nil
}

func splitSections(b []byte) ([]section, error) {
	r := &reader{b: b}
	var out []section
	last := 0
	for !r.eof() {
		id, err := r.readByte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		payload, err := r.next(int(size))
		if err != nil {
			return nil, err
		}
		if id != secCustom && id != secTag {
			pos, ok := order[id]
			if !ok {
				return nil, fmt.Errorf("%w: unknown section id %d", ErrMalformed, id)
			}
			if pos <= last {
				return nil, fmt.Errorf("%w: section %d out of order", ErrMalformed, id)
			}
			last = pos
		}
		out = append(out, section{id: id, payload: payload})
	}
	return out, nil
}

func appendSection(dst []byte, id byte, payload []byte) []byte {
	dst = append(dst, id)
	dst = appendU32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

func vecCount(payload []byte) (uint32, error) {
	r := &reader{b: payload}
	return r.u32()
}

// appendToVec bumps the element count of a vector section payload by n and
// appends the encoded entries. A nil payload starts an empty vector.
func appendToVec(payload, entries []byte, n uint32) ([]byte, error) {
	var count uint32
	var rest []byte
	if payload != nil {
		r := &reader{b: payload}
		c, err := r.u32()
		if err != nil {
			return nil, err
		}
		count, rest = c, payload[r.pos:]
	}
	out := appendU32(nil, count+n)
	out = append(out, rest...)
	return append(out, entries...), nil
}

func countImportedGlobals(payload []byte) (uint32, error) {
	r := &reader{b: payload}
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	var globals uint32
	for i := uint32(0); i < n; i++ {
		if err := r.skipName(); err != nil {
			return 0, err
		}
		if err := r.skipName(); err != nil {
			return 0, err
		}
		kind, err := r.readByte()
		if err != nil {
			return 0, err
		}
		switch kind {
		case 0x00: // func
			if _, err := r.u32(); err != nil {
				return 0, err
			}
		case 0x01: // table
			if _, err := r.readByte(); err != nil {
				return 0, err
			}
			if err := skipLimits(r); err != nil {
				return 0, err
			}
		case 0x02: // memory
			if err := skipLimits(r); err != nil {
				return 0, err
			}
		case 0x03: // global
			if _, err := r.next(2); err != nil {
				return 0, err
			}
			globals++
		default:
			return 0, fmt.Errorf("%w: import kind %#x", ErrMalformed, kind)
		}
	}
	return globals, nil
}

func skipLimits(r *reader) error {
	flag, err := r.readByte()
	if err != nil {
		return err
	}
	if flag > 0x03 {
		return fmt.Errorf("%w: limits flag %#x", ErrUnsupported, flag)
	}
	if _, err := r.u32(); err != nil {
		return err
	}
	if flag&0x01 != 0 {
		if _, err := r.u32(); err != nil {
			return err
		}
	}
	return nil
}
