package forensic

import (
	"bytes"
	"testing"

	"github.com/munition/munition/pkg/capability"
	"github.com/munition/munition/pkg/runtime"
)

func sampleDump() Dump {
	return Dump{
		Cause:         Trap(runtime.TrapUnreachable, "unreachable executed"),
		FuelConsumed:  4242,
		FuelRemaining: 58,
		WallTimeNs:    123456,
		CapturedAtNs:  987654321,
		Function:      "run",
		Args:          []runtime.Value{runtime.I32Value(7), runtime.I64Value(-9)},
		RequestedCapabilities: []capability.Capability{capability.Time, capability.Network},
		GrantedCapabilities:   []capability.Capability{capability.Compute, capability.MemoryRead, capability.MemoryWrite, capability.Time, capability.Network},
		Globals:        []runtime.Value{runtime.F64Value(3.5), runtime.F32Value(1.25)},
		MemoryPages:    bytes.Repeat([]byte{0xAB, 0xCD}, 4096),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := sampleDump()
	encoded, err := Encode(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	assertDumpsEqual(t, d, decoded)
}

func TestEncodeDecodeRoundTripEmptyDump(t *testing.T) {
	d := Dump{Cause: FuelExhausted()}
	encoded, err := Encode(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	assertDumpsEqual(t, d, decoded)
}

func TestEncodeDecodeEveryCauseKind(t *testing.T) {
	causes := []Cause{
		FuelExhausted(),
		Trap(runtime.TrapIntegerDivideByZero, "div"),
		Timeout(),
		HostDenied(capability.FilesystemRead),
		InstantiationFailed("unknown_capability"),
		InvalidModule(),
	}
	for _, c := range causes {
		d := Dump{Cause: c}
		encoded, err := Encode(d)
		if err != nil {
			t.Fatalf("encode %v: %v", c.Kind, err)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode %v: %v", c.Kind, err)
		}
		if decoded.Cause != c {
			t.Fatalf("cause mismatch: got %+v want %+v", decoded.Cause, c)
		}
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	encoded, _ := Encode(sampleDump())
	encoded[0] = 'X'
	if _, err := Decode(encoded); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	encoded, _ := Encode(sampleDump())
	encoded[4], encoded[5] = 0xFF, 0xFF
	if _, err := Decode(encoded); err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}

func TestDecodeRejectsBadCRC(t *testing.T) {
	encoded, _ := Encode(sampleDump())
	encoded[len(encoded)-1] ^= 0xFF
	if _, err := Decode(encoded); err == nil {
		t.Fatalf("expected error for bad crc32")
	}
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	encoded, _ := Encode(sampleDump())
	if _, err := Decode(encoded[:len(encoded)/2]); err == nil {
		t.Fatalf("expected error for truncated input")
	}
}

func TestDecodeRejectsTooShortInput(t *testing.T) {
	if _, err := Decode([]byte("short")); err == nil {
		t.Fatalf("expected error for input shorter than header+trailer")
	}
}

func TestMemoryUsesDeflateWhenItHelps(t *testing.T) {
	d := Dump{Cause: FuelExhausted(), MemoryPages: bytes.Repeat([]byte{0x00}, 65536)}
	encoded, err := Encode(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if MemoryCodec(encoded[6]) != MemoryCodecDeflate {
		t.Fatalf("expected highly compressible memory to use deflate")
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.MemoryPages, d.MemoryPages) {
		t.Fatalf("memory pages did not round trip")
	}
}

func TestIncompressibleFullPageMemoryRoundTrips(t *testing.T) {
	// One full 64 KiB page of generator output: deflate cannot shrink it,
	// so the raw payload is stored and its length exceeds a 2-byte prefix.
	mem := make([]byte, 65536)
	state := uint32(0x2545f491)
	for i := range mem {
		state = state*1664525 + 1013904223
		mem[i] = byte(state >> 24)
	}
	d := Dump{Cause: Trap(runtime.TrapUnreachable, "x"), MemoryPages: mem}

	encoded, err := Encode(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.MemoryPages, mem) {
		t.Fatalf("full-page memory did not round trip: got %d bytes want %d", len(decoded.MemoryPages), len(mem))
	}
}

func TestEncodeRejectsOversizedSmallSection(t *testing.T) {
	d := Dump{Cause: FuelExhausted(), Function: string(bytes.Repeat([]byte{'f'}, 70_000))}
	if _, err := Encode(d); err == nil {
		t.Fatalf("expected error for a section payload exceeding the 2-byte length prefix")
	}
}

func TestMemoryTruncatedFlagRoundTrips(t *testing.T) {
	d := Dump{Cause: FuelExhausted(), MemoryTruncated: true}
	encoded, err := Encode(d)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.MemoryTruncated {
		t.Fatalf("expected memory_truncated flag to round trip")
	}
}

func assertDumpsEqual(t *testing.T, want, got Dump) {
	t.Helper()
	if got.Cause != want.Cause {
		t.Errorf("cause: got %+v want %+v", got.Cause, want.Cause)
	}
	if got.FuelConsumed != want.FuelConsumed || got.FuelRemaining != want.FuelRemaining {
		t.Errorf("fuel mismatch: got consumed=%d remaining=%d want consumed=%d remaining=%d",
			got.FuelConsumed, got.FuelRemaining, want.FuelConsumed, want.FuelRemaining)
	}
	if got.WallTimeNs != want.WallTimeNs || got.CapturedAtNs != want.CapturedAtNs {
		t.Errorf("timing mismatch: got %+v want %+v", got, want)
	}
	if got.Function != want.Function {
		t.Errorf("function: got %q want %q", got.Function, want.Function)
	}
	if len(got.Args) != len(want.Args) {
		t.Fatalf("args length: got %d want %d", len(got.Args), len(want.Args))
	}
	for i := range want.Args {
		if got.Args[i] != want.Args[i] {
			t.Errorf("args[%d]: got %+v want %+v", i, got.Args[i], want.Args[i])
		}
	}
	if len(got.Globals) != len(want.Globals) {
		t.Fatalf("globals length: got %d want %d", len(got.Globals), len(want.Globals))
	}
	for i := range want.Globals {
		if got.Globals[i] != want.Globals[i] {
			t.Errorf("globals[%d]: got %+v want %+v", i, got.Globals[i], want.Globals[i])
		}
	}
	if !bytes.Equal(got.MemoryPages, want.MemoryPages) {
		t.Errorf("memory pages did not round trip")
	}
	if len(got.RequestedCapabilities) != len(want.RequestedCapabilities) {
		t.Fatalf("requested capabilities length: got %d want %d", len(got.RequestedCapabilities), len(want.RequestedCapabilities))
	}
	for i := range want.RequestedCapabilities {
		if got.RequestedCapabilities[i] != want.RequestedCapabilities[i] {
			t.Errorf("requested_capabilities[%d]: got %v want %v", i, got.RequestedCapabilities[i], want.RequestedCapabilities[i])
		}
	}
	if len(got.GrantedCapabilities) != len(want.GrantedCapabilities) {
		t.Fatalf("granted capabilities length: got %d want %d", len(got.GrantedCapabilities), len(want.GrantedCapabilities))
	}
	for i := range want.GrantedCapabilities {
		if got.GrantedCapabilities[i] != want.GrantedCapabilities[i] {
			t.Errorf("granted_capabilities[%d]: got %v want %v", i, got.GrantedCapabilities[i], want.GrantedCapabilities[i])
		}
	}
}
