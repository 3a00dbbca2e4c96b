package wasmtest

// Code concatenates instruction sequences.
func Code(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func I32Const(v int32) []byte { return S64([]byte{0x41}, int64(v)) }
func I64Const(v int64) []byte { return S64([]byte{0x42}, v) }
func LocalGet(i uint32) []byte { return U32([]byte{0x20}, i) }
func LocalSet(i uint32) []byte { return U32([]byte{0x21}, i) }
func LocalTee(i uint32) []byte { return U32([]byte{0x22}, i) }
func GlobalGet(i uint32) []byte { return U32([]byte{0x23}, i) }
func GlobalSet(i uint32) []byte { return U32([]byte{0x24}, i) }
func Call(i uint32) []byte { return U32([]byte{0x10}, i) }
func Br(depth uint32) []byte { return U32([]byte{0x0c}, depth) }
func BrIf(depth uint32) []byte { return U32([]byte{0x0d}, depth) }

// I32Load and the stores use natural alignment and the given offset.
func I32Load(offset uint32) []byte   { return U32([]byte{0x28, 0x02}, offset) }
func I32Load8U(offset uint32) []byte { return U32([]byte{0x2d, 0x00}, offset) }
func I32Store(offset uint32) []byte  { return U32([]byte{0x36, 0x02}, offset) }
func I32Store8(offset uint32) []byte { return U32([]byte{0x3a, 0x00}, offset) }

var (
	Unreachable = []byte{0x00}
	Nop         = []byte{0x01}
	Block       = []byte{0x02, 0x40}
	Loop        = []byte{0x03, 0x40}
	End         = []byte{0x0b}
	Return      = []byte{0x0f}
	Drop        = []byte{0x1a}
	I32Add      = []byte{0x6a}
	I32Sub      = []byte{0x6b}
	I32LtU      = []byte{0x49}
	I32Eqz      = []byte{0x45}
	MemoryCopy  = []byte{0xfc, 0x0a, 0x00, 0x00}
	MemoryFill  = []byte{0xfc, 0x0b, 0x00}
)
