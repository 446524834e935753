package munition

import (
	"context"
	"errors"
	"testing"

	"github.com/munition/munition/pkg/forensic"
	"github.com/munition/munition/pkg/manager"
	"github.com/munition/munition/pkg/runtime"
)

func TestSandboxValidateRejectsGarbageBytes(t *testing.T) {
	sb := New(Config{})

	err := sb.Validate(context.Background(), []byte("definitely not a wasm module"))
	if err == nil {
		t.Fatal("expected an error for malformed wasm bytes")
	}
	var invalid *runtime.InvalidModuleError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *runtime.InvalidModuleError, got %v (%T)", err, err)
	}
}

func TestSandboxFireOnUnknownCapabilityNeverCompiles(t *testing.T) {
	sb := New(Config{})

	opts := manager.Options{}.WithCapabilities("not_a_real_capability")
	res, err := sb.Fire(context.Background(), []byte("definitely not a wasm module"), "f", nil, opts)
	if err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
	if !res.Crashed() {
		t.Fatalf("expected a crash result, got %+v", res)
	}
	if res.Dump.Cause.Reason != "unknown_capability" {
		t.Fatalf("expected unknown_capability crash reason, got %+v", res.Dump.Cause)
	}
}

func TestSandboxFireOnGarbageBytesCrashesInvalidModule(t *testing.T) {
	sb := New(Config{})

	res, err := sb.Fire(context.Background(), []byte("definitely not a wasm module"), "f", nil, manager.Options{})
	if err != nil {
		t.Fatalf("unexpected fatal error: %v", err)
	}
	if !res.Crashed() || res.Dump.Cause.Kind != forensic.CauseInvalidModule {
		t.Fatalf("expected invalid_module crash, got %+v", res)
	}
	if len(res.Dump.MemoryPages) != 0 {
		t.Fatalf("expected no memory for a compile-time failure, got %d bytes", len(res.Dump.MemoryPages))
	}
}

func TestSandboxManagerAccessor(t *testing.T) {
	sb := New(Config{})

	if sb.Manager() == nil {
		t.Fatal("expected a non-nil Manager")
	}
}
