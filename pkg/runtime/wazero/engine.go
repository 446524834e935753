// Package wazeroengine is the default Runtime Contract implementation,
// backed by tetratelabs/wazero, a pure-Go engine. wazero has no native
// instruction-level metering, so fuel is approximated at each
// function-call boundary through an experimental function listener.
package wazeroengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/sys"

	"github.com/munition/munition/pkg/runtime"
)

// memoryLimitPages caps guest linear memory growth at 64 MiB.
const memoryLimitPages = 1024

// Engine implements runtime.Contract. Every Compile call allocates its own
// wazero.Runtime, carried inside the ModuleRef: host modules, the compiled
// module and the instantiated module all live and die with that one
// runtime, so Cleanup's single rt.Close releases everything an invocation
// ever allocated and no name or state can leak between invocations.
type Engine struct {
	cfg wazero.RuntimeConfig
}

// New builds an Engine. The Engine itself holds no per-invocation state
// and is safe for concurrent use.
func New() *Engine {
	return &Engine{cfg: wazero.NewRuntimeConfig().WithMemoryLimitPages(memoryLimitPages)}
}

// moduleRef carries the compiled artifact together with its fuel meter:
// wazero binds function listeners at compile time, so the meter must exist
// before CompileModule runs and is armed with the actual budget later, at
// Instantiate.
type moduleRef struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	fuel     *fuelMeter
}

// instanceRef and storeRef both wrap the same wazero module instance and
// share a fuelMeter: wazero has no separate store abstraction, the
// instantiated api.Module already owns memory and globals, and the fuel
// listener owns the running budget.
type instanceRef struct {
	rt   wazero.Runtime
	mod  wazeroapi.Module
	fuel *fuelMeter
}

type storeRef struct {
	mod  wazeroapi.Module
	fuel *fuelMeter
}

// fuelMeter approximates fuel consumption at each function-call boundary,
// since wazero exposes no instruction-level metering facility the way
// wasmtime's fuel API does. Every function entered (guest or host) costs
// one unit; this is coarser than per-instruction metering but gives a
// monotonic, preemptible budget with the same external contract.
type fuelMeter struct {
	mu        sync.Mutex
	remaining uint64
	consumed  uint64
	interrupt atomic.Bool
}

// arm seeds the meter with the invocation's budget.
func (f *fuelMeter) arm(initial uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remaining = initial
	f.consumed = 0
}

// errFuelExhausted and errInterrupted are the panic values raised from
// inside the fuel listener. They are errors, not bare structs, because
// wazero recovers listener panics itself on some paths and folds the
// value into the error fn.Call returns; an error value survives that
// translation where an opaque struct would not.
var (
	errFuelExhausted = errors.New("fuel exhausted")
	errInterrupted   = errors.New("call interrupted")
)

func (f *fuelMeter) onEnterFunction() {
	if f.interrupt.Load() {
		panic(errInterrupted)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining == 0 {
		panic(errFuelExhausted)
	}
	f.remaining--
	f.consumed++
}

func (f *fuelMeter) snapshot() (consumed, remaining uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumed, f.remaining
}

// hostPanicError wraps a panic raised by a native host function so the
// call-error classifier can tell it apart from engine traps.
type hostPanicError struct {
	val any
}

func (e *hostPanicError) Error() string { return fmt.Sprintf("host function panic: %v", e.val) }

func (e *Engine) Compile(ctx context.Context, wasm []byte) (runtime.ModuleRef, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, e.cfg)
	meter := &fuelMeter{}
	compiled, err := rt.CompileModule(withFuelListener(ctx, meter), wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, &runtime.InvalidModuleError{Msg: err.Error()}
	}
	return &moduleRef{rt: rt, compiled: compiled, fuel: meter}, nil
}

func (e *Engine) Instantiate(ctx context.Context, mod runtime.ModuleRef, imports []runtime.Import, initialFuel uint64) (runtime.InstanceRef, runtime.StoreRef, error) {
	m, ok := mod.(*moduleRef)
	if !ok {
		return nil, nil, fmt.Errorf("wazeroengine: Instantiate called with foreign ModuleRef")
	}

	meter := m.fuel
	meter.arm(initialFuel)
	for moduleName, bindings := range groupImportsByModule(imports) {
		builder := m.rt.NewHostModuleBuilder(moduleName)
		for _, imp := range bindings {
			builder.NewFunctionBuilder().
				WithGoModuleFunction(
					wazeroapi.GoModuleFunc(hostTrampoline(imp)),
					toWazeroTypes(imp.Params),
					toWazeroTypes(imp.Results),
				).
				Export(imp.Name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return nil, nil, fmt.Errorf("wazeroengine: host module %q: %w", moduleName, err)
		}
	}

	instCtx := withFuelListener(ctx, meter)
	wmod, err := m.rt.InstantiateModule(instCtx, m.compiled, wazero.NewModuleConfig())
	if err != nil {
		if missing := missingImportName(err); missing != "" {
			return nil, nil, &runtime.LinkError{MissingImport: missing}
		}
		return nil, nil, &runtime.InstantiationTrapError{Msg: err.Error()}
	}

	inst := &instanceRef{rt: m.rt, mod: wmod, fuel: meter}
	store := &storeRef{mod: wmod, fuel: meter}
	return inst, store, nil
}

func (e *Engine) Call(ctx context.Context, instRef runtime.InstanceRef, function string, args []runtime.Value) (results []runtime.Value, fuelRemaining uint64, err error) {
	inst, ok := instRef.(*instanceRef)
	if !ok {
		return nil, 0, fmt.Errorf("wazeroengine: Call given foreign InstanceRef")
	}
	fn := inst.mod.ExportedFunction(function)
	if fn == nil {
		return nil, 0, &runtime.LinkError{MissingImport: function}
	}

	raw := make([]uint64, len(args))
	for i, a := range args {
		raw[i] = encodeRaw(a)
	}

	// The fuel listener and host trampolines signal failures by panicking
	// out of the guest call stack. wazero recovers some of those itself
	// and folds them into callErr; whatever still unwinds to here is
	// classified the same way.
	defer func() {
		if r := recover(); r != nil {
			err = classifyPanic(r)
		}
	}()

	rawResults, callErr := fn.Call(ctx, raw...)
	if callErr != nil {
		return nil, 0, classifyCallError(callErr)
	}

	defTypes := fn.Definition().ResultTypes()
	results = make([]runtime.Value, len(rawResults))
	for i, v := range rawResults {
		results[i] = decodeRaw(defTypes[i], v)
	}
	_, remaining := inst.fuel.snapshot()
	return results, remaining, nil
}

func (e *Engine) ReadMemory(store runtime.StoreRef, offset, length uint32) ([]byte, error) {
	s, ok := store.(*storeRef)
	if !ok {
		return nil, fmt.Errorf("wazeroengine: ReadMemory given foreign StoreRef")
	}
	mem := s.mod.Memory()
	if mem == nil {
		if length == 0 {
			return nil, nil
		}
		return nil, &runtime.OutOfBoundsError{Offset: offset, Length: length}
	}
	data, ok := mem.Read(offset, length)
	if !ok {
		return nil, &runtime.OutOfBoundsError{Offset: offset, Length: length}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// ReadGlobals reads globals exported under the deterministic names
// "g0", "g1", ... in order, stopping at the first absent name. wazero's
// public CompiledModule surface enumerates exported functions and
// memories but not globals in declaration order, so fixtures that want
// their globals captured in a dump must export them this way.
func (e *Engine) ReadGlobals(store runtime.StoreRef) ([]runtime.Value, error) {
	s, ok := store.(*storeRef)
	if !ok {
		return nil, fmt.Errorf("wazeroengine: ReadGlobals given foreign StoreRef")
	}
	var out []runtime.Value
	for i := 0; ; i++ {
		g := s.mod.ExportedGlobal(fmt.Sprintf("g%d", i))
		if g == nil {
			break
		}
		out = append(out, decodeRaw(g.Type(), g.Get()))
	}
	return out, nil
}

func (e *Engine) FuelConsumed(store runtime.StoreRef) (uint64, error) {
	s, ok := store.(*storeRef)
	if !ok {
		return 0, fmt.Errorf("wazeroengine: FuelConsumed given foreign StoreRef")
	}
	consumed, _ := s.fuel.snapshot()
	return consumed, nil
}

func (e *Engine) Interrupt(store runtime.StoreRef) error {
	s, ok := store.(*storeRef)
	if !ok {
		return fmt.Errorf("wazeroengine: Interrupt given foreign StoreRef")
	}
	s.fuel.interrupt.Store(true)
	return nil
}

func (e *Engine) Cleanup(instRef runtime.InstanceRef, store runtime.StoreRef) {
	inst, ok := instRef.(*instanceRef)
	if !ok {
		return
	}
	_ = inst.rt.Close(context.Background())
}

func (e *Engine) CloseModule(ctx context.Context, modRef runtime.ModuleRef) {
	m, ok := modRef.(*moduleRef)
	if !ok {
		return
	}
	_ = m.rt.Close(ctx)
}

func withFuelListener(ctx context.Context, meter *fuelMeter) context.Context {
	factory := experimental.FunctionListenerFactoryFunc(func(def wazeroapi.FunctionDefinition) experimental.FunctionListener {
		return experimental.FunctionListenerFunc(func(_ context.Context, _ wazeroapi.Module, _ wazeroapi.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
			meter.onEnterFunction()
		})
	})
	return experimental.WithFunctionListenerFactory(ctx, factory)
}

// hostTrampoline adapts a runtime.HostFunc to wazero's raw-stack host
// calling convention: decode stack slots per the import's declared param
// types, run the native callback, and write its results back over the
// stack. A panicking or erroring callback re-panics as *hostPanicError so
// Call can report trap{kind=host_panic} instead of an opaque engine trap.
func hostTrampoline(imp runtime.Import) func(ctx context.Context, mod wazeroapi.Module, stack []uint64) {
	return func(ctx context.Context, mod wazeroapi.Module, stack []uint64) {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(*hostPanicError); ok {
					panic(r)
				}
				panic(&hostPanicError{val: r})
			}
		}()

		args := make([]runtime.Value, len(imp.Params))
		for i, t := range imp.Params {
			args[i] = decodeContractValue(t, stack[i])
		}
		results, err := imp.Func(ctx, wazeroMemory{mod}, args)
		if err != nil {
			panic(&hostPanicError{val: err})
		}
		for i := range imp.Results {
			var v uint64
			if i < len(results) {
				v = encodeRaw(results[i])
			}
			stack[i] = v
		}
	}
}

type wazeroMemory struct{ mod wazeroapi.Module }

func (m wazeroMemory) Read(offset, length uint32) ([]byte, error) {
	data, ok := m.mod.Memory().Read(offset, length)
	if !ok {
		return nil, &runtime.OutOfBoundsError{Offset: offset, Length: length}
	}
	return data, nil
}

func (m wazeroMemory) Write(offset uint32, data []byte) error {
	if !m.mod.Memory().Write(offset, data) {
		return &runtime.OutOfBoundsError{Offset: offset, Length: uint32(len(data))}
	}
	return nil
}

func groupImportsByModule(imports []runtime.Import) map[string][]runtime.Import {
	out := map[string][]runtime.Import{}
	for _, imp := range imports {
		out[imp.Module] = append(out[imp.Module], imp)
	}
	return out
}

func toWazeroTypes(types []runtime.ValueType) []wazeroapi.ValueType {
	out := make([]wazeroapi.ValueType, len(types))
	for i, t := range types {
		switch t {
		case runtime.ValueTypeI32:
			out[i] = wazeroapi.ValueTypeI32
		case runtime.ValueTypeI64:
			out[i] = wazeroapi.ValueTypeI64
		case runtime.ValueTypeF32:
			out[i] = wazeroapi.ValueTypeF32
		case runtime.ValueTypeF64:
			out[i] = wazeroapi.ValueTypeF64
		}
	}
	return out
}

func encodeRaw(v runtime.Value) uint64 {
	switch v.Type {
	case runtime.ValueTypeI32:
		return uint64(uint32(v.I32))
	case runtime.ValueTypeI64:
		return uint64(v.I64)
	case runtime.ValueTypeF32:
		return uint64(wazeroapi.EncodeF32(v.F32))
	case runtime.ValueTypeF64:
		return wazeroapi.EncodeF64(v.F64)
	default:
		return 0
	}
}

func decodeRaw(t wazeroapi.ValueType, raw uint64) runtime.Value {
	switch t {
	case wazeroapi.ValueTypeI32:
		return runtime.I32Value(int32(uint32(raw)))
	case wazeroapi.ValueTypeI64:
		return runtime.I64Value(int64(raw))
	case wazeroapi.ValueTypeF32:
		return runtime.F32Value(wazeroapi.DecodeF32(raw))
	case wazeroapi.ValueTypeF64:
		return runtime.F64Value(wazeroapi.DecodeF64(raw))
	default:
		return runtime.I64Value(int64(raw))
	}
}

func decodeContractValue(t runtime.ValueType, raw uint64) runtime.Value {
	switch t {
	case runtime.ValueTypeI32:
		return runtime.I32Value(int32(uint32(raw)))
	case runtime.ValueTypeI64:
		return runtime.I64Value(int64(raw))
	case runtime.ValueTypeF32:
		return runtime.F32Value(wazeroapi.DecodeF32(raw))
	case runtime.ValueTypeF64:
		return runtime.F64Value(wazeroapi.DecodeF64(raw))
	default:
		return runtime.I64Value(int64(raw))
	}
}

// classifyPanic maps a panic value that unwound out of fn.Call into the
// contract's typed taxonomy.
func classifyPanic(r any) error {
	switch v := r.(type) {
	case error:
		if errors.Is(v, errFuelExhausted) {
			return &runtime.FuelExhaustedError{}
		}
		if errors.Is(v, errInterrupted) {
			return &runtime.TrapError{Kind: runtime.TrapUnknown, Msg: "interrupted"}
		}
		var hp *hostPanicError
		if errors.As(v, &hp) {
			return &runtime.TrapError{Kind: runtime.TrapHostPanic, Msg: hp.Error()}
		}
		return &runtime.TrapError{Kind: runtime.TrapUnknown, Msg: v.Error()}
	default:
		return &runtime.TrapError{Kind: runtime.TrapUnknown, Msg: fmt.Sprintf("%v", r)}
	}
}

// classifyCallError maps a wazero Call error into the runtime package's
// typed taxonomy, string-matching trap messages when wazero does not
// expose a structured trap kind through its public API.
func classifyCallError(err error) error {
	if errors.Is(err, errFuelExhausted) {
		return &runtime.FuelExhaustedError{}
	}
	if errors.Is(err, errInterrupted) {
		return &runtime.TrapError{Kind: runtime.TrapUnknown, Msg: "interrupted"}
	}
	var hp *hostPanicError
	if errors.As(err, &hp) {
		return &runtime.TrapError{Kind: runtime.TrapHostPanic, Msg: hp.Error()}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &runtime.TrapError{Kind: runtime.TrapUnknown, Msg: err.Error()}
	}
	msg := err.Error()
	kind := runtime.TrapUnknown
	switch {
	case strings.Contains(msg, "unreachable"):
		kind = runtime.TrapUnreachable
	case strings.Contains(msg, "integer divide by zero"):
		kind = runtime.TrapIntegerDivideByZero
	case strings.Contains(msg, "integer overflow"):
		kind = runtime.TrapIntegerOverflow
	case strings.Contains(msg, "out of bounds memory access"):
		kind = runtime.TrapOutOfBoundsMemoryAccess
	case strings.Contains(msg, "indirect call type mismatch"):
		kind = runtime.TrapIndirectCallTypeMismatch
	case strings.Contains(msg, "stack overflow"):
		kind = runtime.TrapStackOverflow
	case strings.Contains(msg, "host function panic"):
		kind = runtime.TrapHostPanic
	case strings.Contains(msg, "undefined element") || strings.Contains(msg, "invalid table access"):
		kind = runtime.TrapUndefinedElement
	}
	return &runtime.TrapError{Kind: kind, Msg: msg}
}

// missingImportName extracts the "module.name" a failed InstantiateModule
// call could not resolve, when wazero's error text names it. Two forms
// appear: `"fs_read" is not exported in module "env"` when the function is
// absent from an instantiated host module (the attenuation case), and
// `module[env] not instantiated` when the whole import module is unknown.
func missingImportName(err error) string {
	msg := err.Error()

	const exportMarker = ` is not exported in module `
	if idx := strings.Index(msg, exportMarker); idx >= 0 {
		name := lastQuoted(msg[:idx])
		module := firstQuoted(msg[idx+len(exportMarker):])
		if name != "" && module != "" {
			return module + "." + name
		}
	}

	const moduleMarker = "module["
	if idx := strings.Index(msg, moduleMarker); idx >= 0 {
		rest := msg[idx+len(moduleMarker):]
		if end := strings.IndexByte(rest, ']'); end >= 0 {
			return rest[:end]
		}
	}
	return ""
}

func firstQuoted(s string) string {
	start := strings.IndexByte(s, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(s[start+1:], '"')
	if end < 0 {
		return ""
	}
	return s[start+1 : start+1+end]
}

func lastQuoted(s string) string {
	end := strings.LastIndexByte(s, '"')
	if end <= 0 {
		return ""
	}
	start := strings.LastIndexByte(s[:end], '"')
	if start < 0 {
		return ""
	}
	return s[start+1 : end]
}

var _ runtime.Contract = (*Engine)(nil)
