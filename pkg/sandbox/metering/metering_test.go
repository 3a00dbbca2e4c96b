package metering

import (
	"context"
	"errors"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/jllopis/tessera/internal/wasmtest"
)

func instantiate(t *testing.T, bin []byte) (api.Module, *Module) {
	t.Helper()
	ctx := context.Background()
	m, err := Instrument(bin)
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = rt.Close(ctx) })
	mod, err := rt.InstantiateWithConfig(ctx, m.Binary, wazero.NewModuleConfig().WithStartFunctions())
	if err != nil {
		t.Fatalf("instantiate instrumented module: %v", err)
	}
	return mod, m
}

func fuelOf(t *testing.T, mod api.Module) api.MutableGlobal {
	t.Helper()
	g, ok := mod.ExportedGlobal(FuelExport).(api.MutableGlobal)
	if !ok {
		t.Fatalf("expected mutable fuel export")
	}
	return g
}

func TestInstrumentRejectsBadHeader(t *testing.T) {
	for _, bin := range [][]byte{nil, {0x00, 0x61}, []byte("not a wasm module")} {
		if _, err := Instrument(bin); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed for %q, got %v", bin, err)
		}
	}
}

func TestInstrumentRejectsTruncatedSection(t *testing.T) {
	bin := wasmtest.Echo()
	if _, err := Instrument(bin[:len(bin)-3]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestInstrumentRejectsSIMD(t *testing.T) {
	v128 := append([]byte{0xfd, 0x0c}, make([]byte, 16)...)
	bin := wasmtest.Module{
		Funcs: []wasmtest.Func{{
			Params:  []wasmtest.ValType{wasmtest.I32},
			Results: []wasmtest.ValType{wasmtest.I32},
			Body:    wasmtest.Code(v128, wasmtest.Drop, wasmtest.I32Const(0)),
			Export:  "run",
		}},
	}.Encode()
	if _, err := Instrument(bin); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestInstrumentDoesNotModifyInput(t *testing.T) {
	bin := wasmtest.Spin(5)
	orig := append([]byte(nil), bin...)
	if _, err := Instrument(bin); err != nil {
		t.Fatalf("instrument: %v", err)
	}
	if string(bin) != string(orig) {
		t.Fatalf("input binary was modified")
	}
}

func TestInstrumentPoints(t *testing.T) {
	m, err := Instrument(wasmtest.Spin(5))
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}
	// function entry plus one loop head
	if m.Points != 2 {
		t.Fatalf("expected 2 metering points, got %d", m.Points)
	}
	if m.FuelGlobal != 0 {
		t.Fatalf("expected fuel global 0, got %d", m.FuelGlobal)
	}
}

func TestInstrumentAppendsAfterExistingGlobals(t *testing.T) {
	mod, m := instantiate(t, wasmtest.GlobalCounter())
	if m.FuelGlobal != 1 {
		t.Fatalf("expected fuel global index 1, got %d", m.FuelGlobal)
	}
	fuel := fuelOf(t, mod)
	fuel.Set(1_000)
	res, err := mod.ExportedFunction("run").Call(context.Background(), 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res[0] != 0 {
		t.Fatalf("expected status 0, got %d", res[0])
	}
	v, _ := mod.ExportedMemory("memory").ReadUint32Le(0x20004)
	if v != 1 {
		t.Fatalf("expected guest global to count 1, got %d", v)
	}
}

func TestFuelIsCharged(t *testing.T) {
	mod, _ := instantiate(t, wasmtest.Spin(50))
	mem := mod.ExportedMemory("memory")
	if _, ok := mem.Grow(3); !ok {
		t.Fatalf("grow memory")
	}
	fuel := fuelOf(t, mod)
	fuel.Set(1 << 20)
	if _, err := mod.ExportedFunction("run").Call(context.Background(), 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	spent := int64(1<<20) - int64(fuel.Get())
	if spent <= 50 {
		t.Fatalf("expected every loop iteration to be charged, spent %d", spent)
	}
}

func TestFuelExhaustionTraps(t *testing.T) {
	mod, _ := instantiate(t, wasmtest.InfiniteLoop())
	fuel := fuelOf(t, mod)
	fuel.Set(10_000)
	_, err := mod.ExportedFunction("run").Call(context.Background(), 0)
	if err == nil {
		t.Fatalf("expected trap")
	}
	if int64(fuel.Get()) >= 0 {
		t.Fatalf("expected negative fuel after exhaustion, got %d", int64(fuel.Get()))
	}
}

func TestStartSectionDeferred(t *testing.T) {
	mod, m := instantiate(t, wasmtest.StartMarker())
	if !m.HasStart {
		t.Fatalf("expected start section to be detected")
	}
	mem := mod.ExportedMemory("memory")
	if b, _ := mem.ReadByte(0x100); b != 0 {
		t.Fatalf("start function ran during instantiation")
	}
	fuelOf(t, mod).Set(1_000)
	start := mod.ExportedFunction(StartExport)
	if start == nil {
		t.Fatalf("expected %s export", StartExport)
	}
	if _, err := start.Call(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if b, _ := mem.ReadByte(0x100); b != 42 {
		t.Fatalf("expected marker 42, got %d", b)
	}
}

func TestLEBRoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 127, 128, 16384, 1<<32 - 1} {
		r := &reader{b: appendU32(nil, v)}
		got, err := r.u32()
		if err != nil || got != v {
			t.Fatalf("u32 %d: got %d, %v", v, got, err)
		}
		if !r.eof() {
			t.Fatalf("u32 %d: trailing bytes", v)
		}
	}
	for _, v := range []int64{0, 1, -1, 63, -64, 64, -65, 1 << 40, -(1 << 62)} {
		r := &reader{b: appendS64(nil, v)}
		if err := r.skipSigned(10); err != nil || !r.eof() {
			t.Fatalf("s64 %d: %v", v, err)
		}
	}
}
