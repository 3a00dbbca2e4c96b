package wasmtest

// Channel addresses used by guests. They mirror the sandbox layout.
const (
	inputData  = 0x10004
	outputLen  = 0x20000
	outputData = 0x20004
)

var runSig = struct{ params, results []ValType }{[]ValType{I32}, []ValType{I32}}

func runFunc(locals []ValType, body ...[]byte) Func {
	return Func{
		Params:  runSig.params,
		Results: runSig.results,
		Locals:  locals,
		Body:    Code(body...),
		Export:  "run",
	}
}

func memory() *Memory { return &Memory{Min: 1, Export: "memory"} }

func echoBody() []byte {
	return Code(
		I32Const(outputData), I32Const(inputData), LocalGet(0), MemoryCopy,
		I32Const(outputLen), LocalGet(0), I32Store(0),
	)
}

// Echo copies its input to its output.
func Echo() []byte {
	return Module{
		Funcs:  []Func{runFunc(nil, echoBody(), I32Const(0))},
		Memory: memory(),
	}.Encode()
}

// AppendByte outputs its input followed by b.
func AppendByte(b byte) []byte {
	return Module{
		Funcs: []Func{runFunc(nil,
			echoBody(),
			I32Const(outputData), LocalGet(0), I32Add, I32Const(int32(b)), I32Store8(0),
			I32Const(outputLen), LocalGet(0), I32Const(1), I32Add, I32Store(0),
			I32Const(0),
		)},
		Memory: memory(),
	}.Encode()
}

// Spin counts to n in a loop and then echoes its input, so its fuel cost
// is deterministic and grows with n.
func Spin(n int32) []byte {
	return Module{
		Funcs: []Func{runFunc([]ValType{I32},
			Loop,
			LocalGet(1), I32Const(1), I32Add, LocalTee(1), I32Const(n), I32LtU, BrIf(0),
			End,
			echoBody(),
			I32Const(0),
		)},
		Memory: memory(),
	}.Encode()
}

// InfiniteLoop never returns.
func InfiniteLoop() []byte {
	return Module{
		Funcs:  []Func{runFunc(nil, Loop, Br(0), End, I32Const(0))},
		Memory: memory(),
	}.Encode()
}

// Trap executes unreachable.
func Trap() []byte {
	return Module{
		Funcs:  []Func{runFunc(nil, Unreachable)},
		Memory: memory(),
	}.Encode()
}

// Status returns code without writing output.
func Status(code int32) []byte {
	return Module{
		Funcs:  []Func{runFunc(nil, I32Const(code))},
		Memory: memory(),
	}.Encode()
}

// OversizedOutput claims an output longer than the channel holds.
func OversizedOutput() []byte {
	return Module{
		Funcs: []Func{runFunc(nil,
			I32Const(outputLen), I32Const(0x10000), I32Store(0),
			I32Const(0),
		)},
		Memory: memory(),
	}.Encode()
}

// OutOfBoundsLoad reads past the end of linear memory.
func OutOfBoundsLoad() []byte {
	return Module{
		Funcs:  []Func{runFunc(nil, I32Const(-16), I32Load(0), Drop, I32Const(0))},
		Memory: memory(),
	}.Encode()
}

// NoEntryPoint exports memory but no run function.
func NoEntryPoint() []byte {
	f := runFunc(nil, I32Const(0))
	f.Export = "process"
	return Module{Funcs: []Func{f}, Memory: memory()}.Encode()
}

// WrongSignature exports run with no parameters.
func WrongSignature() []byte {
	return Module{
		Funcs:  []Func{{Results: []ValType{I32}, Body: I32Const(0), Export: "run"}},
		Memory: memory(),
	}.Encode()
}

// NoMemory exports run but no memory.
func NoMemory() []byte {
	return Module{Funcs: []Func{runFunc(nil, I32Const(0))}}.Encode()
}

// OpenFile calls WASI path_open on the first preopen and outputs the errno
// as a little-endian u32. With create set the file is created.
func OpenFile(path string, create bool) []byte {
	oflags := int32(0)
	if create {
		oflags = 1
	}
	pathOpen := Import{
		Module:  "wasi_snapshot_preview1",
		Name:    "path_open",
		Params:  []ValType{I32, I32, I32, I32, I32, I64, I64, I32, I32},
		Results: []ValType{I32},
	}
	return Module{
		Imports: []Import{pathOpen},
		Funcs: []Func{runFunc(nil,
			I32Const(outputData),
			I32Const(3), I32Const(1), I32Const(0x100), I32Const(int32(len(path))), I32Const(oflags),
			I64Const(0x42), I64Const(0), I32Const(0), I32Const(0x200),
			Call(0),
			I32Store(0),
			I32Const(outputLen), I32Const(4), I32Store(0),
			I32Const(0),
		)},
		Memory: memory(),
		Data:   []Data{{Offset: 0x100, Bytes: []byte(path)}},
	}.Encode()
}

// FileStat calls WASI path_filestat_get on the first preopen without
// following a final symlink and outputs the errno as a little-endian u32.
func FileStat(path string) []byte {
	filestat := Import{
		Module:  "wasi_snapshot_preview1",
		Name:    "path_filestat_get",
		Params:  []ValType{I32, I32, I32, I32, I32},
		Results: []ValType{I32},
	}
	return Module{
		Imports: []Import{filestat},
		Funcs: []Func{runFunc(nil,
			I32Const(outputData),
			I32Const(3), I32Const(0), I32Const(0x100), I32Const(int32(len(path))), I32Const(0x400),
			Call(0),
			I32Store(0),
			I32Const(outputLen), I32Const(4), I32Store(0),
			I32Const(0),
		)},
		Memory: memory(),
		Data:   []Data{{Offset: 0x100, Bytes: []byte(path)}},
	}.Encode()
}

// ReadLink calls WASI path_readlink on the first preopen and outputs the
// errno as a little-endian u32.
func ReadLink(path string) []byte {
	readlink := Import{
		Module:  "wasi_snapshot_preview1",
		Name:    "path_readlink",
		Params:  []ValType{I32, I32, I32, I32, I32, I32},
		Results: []ValType{I32},
	}
	return Module{
		Imports: []Import{readlink},
		Funcs: []Func{runFunc(nil,
			I32Const(outputData),
			I32Const(3), I32Const(0x100), I32Const(int32(len(path))), I32Const(0x400), I32Const(0x100), I32Const(0x600),
			Call(0),
			I32Store(0),
			I32Const(outputLen), I32Const(4), I32Store(0),
			I32Const(0),
		)},
		Memory: memory(),
		Data:   []Data{{Offset: 0x100, Bytes: []byte(path)}},
	}.Encode()
}

// Exit calls WASI proc_exit with code.
func Exit(code int32) []byte {
	procExit := Import{
		Module: "wasi_snapshot_preview1",
		Name:   "proc_exit",
		Params: []ValType{I32},
	}
	return Module{
		Imports: []Import{procExit},
		Funcs:   []Func{runFunc(nil, I32Const(code), Call(0), I32Const(0))},
		Memory:  memory(),
	}.Encode()
}

// StartMarker has a start function that stores 42 at address 0x100; run
// outputs that byte.
func StartMarker() []byte {
	start := uint32(0)
	return Module{
		Funcs: []Func{
			{Body: Code(I32Const(0x100), I32Const(42), I32Store8(0))},
			runFunc(nil,
				I32Const(outputData), I32Const(0x100), I32Load8U(0), I32Store8(0),
				I32Const(outputLen), I32Const(1), I32Store(0),
				I32Const(0),
			),
		},
		Memory: memory(),
		Start:  &start,
	}.Encode()
}

// StartSpin has a start function that never returns.
func StartSpin() []byte {
	start := uint32(0)
	return Module{
		Funcs: []Func{
			{Body: Code(Loop, Br(0), End)},
			runFunc(nil, I32Const(0)),
		},
		Memory: memory(),
		Start:  &start,
	}.Encode()
}

// GlobalCounter increments a module global and outputs it as a u32.
func GlobalCounter() []byte {
	return Module{
		Funcs: []Func{runFunc(nil,
			GlobalGet(0), I32Const(1), I32Add, GlobalSet(0),
			I32Const(outputData), GlobalGet(0), I32Store(0),
			I32Const(outputLen), I32Const(4), I32Store(0),
			I32Const(0),
		)},
		Memory:  memory(),
		Globals: []Global{{Type: I32, Mutable: true}},
	}.Encode()
}
