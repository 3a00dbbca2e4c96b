// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package wasmtest assembles small WebAssembly binaries for tests. It covers
// the subset of the binary format the sandbox tests need; it does not
// validate what it emits.
package wasmtest

// ValType is a WebAssembly value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

// Import is an imported host function.
type Import struct {
	Module  string
	Name    string
	Params  []ValType
	Results []ValType
}

// Func is a defined function. Body holds the instructions without the
// final end.
type Func struct {
	Params  []ValType
	Results []ValType
	Locals  []ValType
	Body    []byte
	Export  string
}

// Memory is the single linear memory.
type Memory struct {
	Min    uint32
	Max    uint32 // 0 means unbounded
	Export string
}

// Global is a defined global with a constant initializer.
type Global struct {
	Type    ValType
	Mutable bool
	Init    int64
	Export  string
}

// Data is an active data segment.
type Data struct {
	Offset uint32
	Bytes  []byte
}

// Module describes a binary. Function indices count imports first.
type Module struct {
	Imports []Import
	Funcs   []Func
	Memory  *Memory
	Globals []Global
	Start   *uint32
	Data    []Data
}

// Encode returns the binary encoding.
func (m Module) Encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	var types []byte
	ntypes := uint32(0)
	for _, im := range m.Imports {
		types = appendFuncType(types, im.Params, im.Results)
		ntypes++
	}
	for _, f := range m.Funcs {
		types = appendFuncType(types, f.Params, f.Results)
		ntypes++
	}
	if ntypes > 0 {
		out = section(out, 1, vec(ntypes, types))
	}

	if len(m.Imports) > 0 {
		var b []byte
		for i, im := range m.Imports {
			b = name(b, im.Module)
			b = name(b, im.Name)
			b = append(b, 0x00)
			b = U32(b, uint32(i))
		}
		out = section(out, 2, vec(uint32(len(m.Imports)), b))
	}

	if len(m.Funcs) > 0 {
		var b []byte
		for i := range m.Funcs {
			b = U32(b, uint32(len(m.Imports)+i))
		}
		out = section(out, 3, vec(uint32(len(m.Funcs)), b))
	}

	if m.Memory != nil {
		var b []byte
		if m.Memory.Max > 0 {
			b = append(b, 0x01)
			b = U32(b, m.Memory.Min)
			b = U32(b, m.Memory.Max)
		} else {
			b = append(b, 0x00)
			b = U32(b, m.Memory.Min)
		}
		out = section(out, 5, vec(1, b))
	}

	if len(m.Globals) > 0 {
		var b []byte
		for _, g := range m.Globals {
			b = append(b, byte(g.Type))
			if g.Mutable {
				b = append(b, 0x01)
			} else {
				b = append(b, 0x00)
			}
			if g.Type == I64 {
				b = append(b, 0x42)
			} else {
				b = append(b, 0x41)
			}
			b = S64(b, g.Init)
			b = append(b, 0x0b)
		}
		out = section(out, 6, vec(uint32(len(m.Globals)), b))
	}

	var exports []byte
	nexports := uint32(0)
	for i, f := range m.Funcs {
		if f.Export == "" {
			continue
		}
		exports = name(exports, f.Export)
		exports = append(exports, 0x00)
		exports = U32(exports, uint32(len(m.Imports)+i))
		nexports++
	}
	if m.Memory != nil && m.Memory.Export != "" {
		exports = name(exports, m.Memory.Export)
		exports = append(exports, 0x02, 0x00)
		nexports++
	}
	for i, g := range m.Globals {
		if g.Export == "" {
			continue
		}
		exports = name(exports, g.Export)
		exports = append(exports, 0x03)
		exports = U32(exports, uint32(i))
		nexports++
	}
	if nexports > 0 {
		out = section(out, 7, vec(nexports, exports))
	}

	if m.Start != nil {
		out = section(out, 8, U32(nil, *m.Start))
	}

	if len(m.Funcs) > 0 {
		var b []byte
		for _, f := range m.Funcs {
			var body []byte
			body = U32(body, uint32(len(f.Locals)))
			for _, l := range f.Locals {
				body = U32(body, 1)
				body = append(body, byte(l))
			}
			body = append(body, f.Body...)
			body = append(body, 0x0b)
			b = U32(b, uint32(len(body)))
			b = append(b, body...)
		}
		out = section(out, 10, vec(uint32(len(m.Funcs)), b))
	}

	if len(m.Data) > 0 {
		var b []byte
		for _, d := range m.Data {
			b = append(b, 0x00, 0x41)
			b = S64(b, int64(int32(d.Offset)))
			b = append(b, 0x0b)
			b = U32(b, uint32(len(d.Bytes)))
			b = append(b, d.Bytes...)
		}
		out = section(out, 11, vec(uint32(len(m.Data)), b))
	}
	return out
}

func appendFuncType(b []byte, params, results []ValType) []byte {
	b = append(b, 0x60)
	b = U32(b, uint32(len(params)))
	for _, p := range params {
		b = append(b, byte(p))
	}
	b = U32(b, uint32(len(results)))
	for _, r := range results {
		b = append(b, byte(r))
	}
	return b
}

func section(b []byte, id byte, payload []byte) []byte {
	b = append(b, id)
	b = U32(b, uint32(len(payload)))
	return append(b, payload...)
}

func vec(n uint32, items []byte) []byte {
	return append(U32(nil, n), items...)
}

func name(b []byte, s string) []byte {
	b = U32(b, uint32(len(s)))
	return append(b, s...)
}

// U32 appends v as unsigned LEB128.
func U32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}

// S64 appends v as signed LEB128.
func S64(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
