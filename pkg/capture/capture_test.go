package capture

import (
	"context"
	"testing"

	"github.com/munition/munition/pkg/forensic"
	"github.com/munition/munition/pkg/runtime"
)

// fakeEngine is a minimal runtime.Contract double exercising only the
// operations Capture actually calls.
type fakeEngine struct {
	fuelConsumed   uint64
	fuelErr        error
	globals        []runtime.Value
	globalsErr     error
	memory         []byte
	memoryErrAfter int // ReadMemory fails once offset/pageSize reaches this page index
}

func (e *fakeEngine) Compile(context.Context, []byte) (runtime.ModuleRef, error) { return nil, nil }
func (e *fakeEngine) Instantiate(context.Context, runtime.ModuleRef, []runtime.Import, uint64) (runtime.InstanceRef, runtime.StoreRef, error) {
	return nil, nil, nil
}
func (e *fakeEngine) Call(context.Context, runtime.InstanceRef, string, []runtime.Value) ([]runtime.Value, uint64, error) {
	return nil, 0, nil
}
func (e *fakeEngine) ReadMemory(store runtime.StoreRef, offset, length uint32) ([]byte, error) {
	page := int(offset / 65536)
	if e.memoryErrAfter > 0 && page >= e.memoryErrAfter {
		return nil, &runtime.OutOfBoundsError{Offset: offset, Length: length}
	}
	end := int(offset) + int(length)
	if end > len(e.memory) {
		if int(offset) >= len(e.memory) {
			return nil, &runtime.OutOfBoundsError{Offset: offset, Length: length}
		}
		end = len(e.memory)
	}
	return e.memory[offset:end], nil
}
func (e *fakeEngine) ReadGlobals(runtime.StoreRef) ([]runtime.Value, error) { return e.globals, e.globalsErr }
func (e *fakeEngine) FuelConsumed(runtime.StoreRef) (uint64, error)         { return e.fuelConsumed, e.fuelErr }
func (e *fakeEngine) Interrupt(runtime.StoreRef) error                      { return nil }
func (e *fakeEngine) Cleanup(runtime.InstanceRef, runtime.StoreRef)         {}
func (e *fakeEngine) CloseModule(context.Context, runtime.ModuleRef)        {}

var _ runtime.Contract = (*fakeEngine)(nil)

type fakeStore struct{}

func TestCaptureNilStoreYieldsEmptyDump(t *testing.T) {
	eng := &fakeEngine{}
	d := Capture(eng, nil, forensic.InvalidModule(), Context{Function: "f", NowNs: func() uint64 { return 42 }})
	if d.Cause.Kind != forensic.CauseInvalidModule {
		t.Fatalf("expected cause preserved, got %+v", d.Cause)
	}
	if len(d.MemoryPages) != 0 {
		t.Fatalf("expected no memory for a nil store, got %d bytes", len(d.MemoryPages))
	}
	if d.CapturedAtNs != 42 {
		t.Fatalf("expected captured_at_ns=42, got %d", d.CapturedAtNs)
	}
}

func TestCaptureReadsFuelGlobalsAndMemory(t *testing.T) {
	mem := make([]byte, 65536)
	for i := range mem {
		mem[i] = byte(i)
	}
	eng := &fakeEngine{
		fuelConsumed: 123,
		globals:      []runtime.Value{runtime.I32Value(1), runtime.F64Value(2.5)},
		memory:       mem,
	}
	d := Capture(eng, fakeStore{}, forensic.Trap(runtime.TrapUnreachable, "x"), Context{FuelBudget: 500, NowNs: func() uint64 { return 1 }})
	if d.FuelConsumed != 123 {
		t.Fatalf("expected fuel_consumed=123, got %d", d.FuelConsumed)
	}
	if d.FuelRemaining != 377 {
		t.Fatalf("expected fuel_remaining=377 (budget 500, consumed 123), got %d", d.FuelRemaining)
	}
	if len(d.Globals) != 2 {
		t.Fatalf("expected 2 globals, got %d", len(d.Globals))
	}
	if len(d.MemoryPages) != len(mem) {
		t.Fatalf("expected %d bytes of memory, got %d", len(mem), len(d.MemoryPages))
	}
}

func TestCaptureRespectsMaxMemoryPages(t *testing.T) {
	mem := make([]byte, 65536*3)
	eng := &fakeEngine{memory: mem}
	d := Capture(eng, fakeStore{}, forensic.FuelExhausted(), Context{MaxMemoryPages: 1, NowNs: func() uint64 { return 1 }})
	if len(d.MemoryPages) != 65536 {
		t.Fatalf("expected exactly 1 page (65536 bytes), got %d", len(d.MemoryPages))
	}
	if !d.MemoryTruncated {
		t.Fatal("expected memory_truncated flag set")
	}
}

func TestCaptureFuelRemainingGuardsUnderflow(t *testing.T) {
	eng := &fakeEngine{fuelConsumed: 900}
	d := Capture(eng, fakeStore{}, forensic.FuelExhausted(), Context{FuelBudget: 500, NowNs: func() uint64 { return 1 }})
	if d.FuelRemaining != 0 {
		t.Fatalf("expected fuel_remaining clamped to 0 when consumed exceeds budget, got %d", d.FuelRemaining)
	}
}

func TestCaptureMaxPagesNotTruncatedAtExactBound(t *testing.T) {
	mem := make([]byte, 65536)
	eng := &fakeEngine{memory: mem}
	d := Capture(eng, fakeStore{}, forensic.FuelExhausted(), Context{MaxMemoryPages: 1, NowNs: func() uint64 { return 1 }})
	if len(d.MemoryPages) != 65536 {
		t.Fatalf("expected the single page captured, got %d bytes", len(d.MemoryPages))
	}
	if d.MemoryTruncated {
		t.Fatal("expected no truncated flag when memory ends exactly at the bound")
	}
}

func TestCaptureFailureDegradesButPreservesOriginalCause(t *testing.T) {
	eng := &fakeEngine{globalsErr: errBoom}
	d := Capture(eng, fakeStore{}, forensic.FuelExhausted(), Context{NowNs: func() uint64 { return 1 }})
	if d.Cause.Kind != forensic.CauseFuelExhausted {
		t.Fatalf("expected original cause kind preserved, got %+v", d.Cause)
	}
	if d.Cause.Message == "" {
		t.Fatal("expected a degraded-capture note appended to the cause message")
	}
}

var errBoom = &runtime.OutOfBoundsError{Offset: 0, Length: 1}
