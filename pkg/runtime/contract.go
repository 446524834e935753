// Package runtime defines the engine contract: the set of operations a
// WASM engine must provide for the Instance Manager to drive the
// compile → instantiate → call → capture → cleanup lifecycle. The
// engine itself is treated as a black box behind this contract; wazero is
// wired as the default implementation in the sibling wazero subpackage,
// but the Manager never references it directly.
package runtime

import "context"

// ValueType tags the kind of a Value. Only the i32/i64/f32/f64 numeric
// union is modeled; reference types are not modeled because the wired
// default engine's host-call surface does not expose them.
type ValueType uint8

const (
	ValueTypeI32 ValueType = iota
	ValueTypeI64
	ValueTypeF32
	ValueTypeF64
)

// Value is a single WASM value, tagged by Type. Only the field matching
// Type is meaningful.
type Value struct {
	Type ValueType
	I32  int32
	I64  int64
	F32  float32
	F64  float64
}

// I32Value constructs an i32 Value.
func I32Value(v int32) Value { return Value{Type: ValueTypeI32, I32: v} }

// I64Value constructs an i64 Value.
func I64Value(v int64) Value { return Value{Type: ValueTypeI64, I64: v} }

// F32Value constructs an f32 Value.
func F32Value(v float32) Value { return Value{Type: ValueTypeF32, F32: v} }

// F64Value constructs an f64 Value.
func F64Value(v float64) Value { return Value{Type: ValueTypeF64, F64: v} }

// ModuleRef is an engine-owned compiled artifact produced by Compile.
// Opaque to callers; created per invocation, released at Cleanup. Deliberately
// a bare interface (no required methods), the way database/sql/driver.Value
// represents a driver-owned opaque value: a Runtime implementation lives in
// its own package and type-asserts its own concrete type back out of this.
type ModuleRef interface{}

// InstanceRef is an engine-owned instantiated module.
type InstanceRef interface{}

// StoreRef is the engine-owned per-instance store holding fuel, memory and
// globals. ReadMemory and ReadGlobals must remain valid against a StoreRef
// after a trap and before Cleanup — this is what makes forensic capture
// possible.
type StoreRef interface{}

// Memory grants a host function scoped access to the calling instance's
// linear memory.
type Memory interface {
	Read(offset, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
}

// HostFunc is the native implementation of a host-imported function. It
// receives the calling instance's Memory and the raw argument values.
type HostFunc func(ctx context.Context, mem Memory, args []Value) ([]Value, error)

// Import is a single host import binding offered at Instantiate time. The
// Manager builds the Import list from the Host Function Table: only
// imports whose gating capability is in the effective granted set are
// included. Denied imports are simply absent, so a module that references
// one fails to link.
//
// Params and Results declare the wasm-level signature; engines need it to
// register the native function, and the trampoline uses it to decode raw
// stack slots into typed Values.
type Import struct {
	Module  string
	Name    string
	Params  []ValueType
	Results []ValueType
	Func    HostFunc
}

// Contract is the capability set of operations a WASM engine must provide.
// Every operation is synchronous from the Manager's point of view.
type Contract interface {
	// Compile parses and validates wasm bytes into a ModuleRef.
	// Returns *InvalidModuleError on failure.
	Compile(ctx context.Context, wasm []byte) (ModuleRef, error)

	// Instantiate links mod against imports and allocates a store seeded
	// with initialFuel. Returns *LinkError if a required import is
	// missing, or *InstantiationTrapError if the module's start function
	// traps.
	Instantiate(ctx context.Context, mod ModuleRef, imports []Import, initialFuel uint64) (InstanceRef, StoreRef, error)

	// Call invokes an exported function by name. On success returns the
	// result values and the fuel remaining after the call. On failure,
	// err is *FuelExhaustedError, *TrapError, or *LinkError.
	Call(ctx context.Context, inst InstanceRef, function string, args []Value) (results []Value, fuelRemaining uint64, err error)

	// ReadMemory reads length bytes at offset from store's linear memory.
	// Must succeed after a trap and before Cleanup. Returns
	// *OutOfBoundsError if the range is invalid.
	ReadMemory(store StoreRef, offset, length uint32) ([]byte, error)

	// ReadGlobals returns the store's globals, in declaration order.
	ReadGlobals(store StoreRef) ([]Value, error)

	// FuelConsumed returns the fuel consumed so far by store.
	FuelConsumed(store StoreRef) (uint64, error)

	// Interrupt asks a running call on store to stop at its next
	// interruption point (epoch/fuel-zeroing/deadline, engine's choice).
	// Safe to call concurrently with Call; the store must remain
	// observable for capture afterwards.
	Interrupt(store StoreRef) error

	// Cleanup releases every resource associated with inst and store.
	// Infallible: implementations must guarantee scoped release even if
	// prior steps failed.
	Cleanup(inst InstanceRef, store StoreRef)

	// CloseModule releases a ModuleRef that was compiled but never
	// instantiated, the path Validate takes. Infallible in the same sense
	// as Cleanup; implementations that have nothing to release may treat
	// this as a no-op.
	CloseModule(ctx context.Context, mod ModuleRef)
}
