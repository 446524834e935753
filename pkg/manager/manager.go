// Package manager is the Instance Manager: the orchestrator that drives
// the compile → instantiate → invoke → capture → cleanup lifecycle for a
// single WASM invocation, enforces the fuel and timeout contracts, wires
// capability-gated host imports, and guarantees forensic preservation on
// every failure path.
//
// The Manager holds no direct reference to any particular engine; it is
// generic over runtime.Contract, and the engine is selected at
// construction time.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/munition/munition/pkg/capability"
	"github.com/munition/munition/pkg/capture"
	"github.com/munition/munition/pkg/forensic"
	"github.com/munition/munition/pkg/fuel"
	"github.com/munition/munition/pkg/hostabi"
	"github.com/munition/munition/pkg/runtime"
)

// DefaultTimeoutMs is the production default wall-clock budget for a
// single fire invocation. Test suites conventionally use a smaller
// figure.
const DefaultTimeoutMs uint32 = 5_000

// interruptGrace bounds how long the Manager waits for a Call goroutine to
// unwind after Interrupt has been asked to stop it. The Runtime Contract
// promises Interrupt is effective at the engine's next interruption point;
// a goroutine that is still running after this grace period indicates the
// Runtime implementation violated that promise, which is a fatal,
// propagated condition, not a Crash.
const interruptGrace = 30 * time.Second

// errCallTimeout is the sentinel runWithTimeout returns when the wall
// clock budget expires, kept distinct from any engine-reported TrapError
// so classifyCallError never has to guess whether an empty-message
// TrapUnknown came from the engine or from the Manager's own timer.
var errCallTimeout = errors.New("manager: call exceeded timeout")

// Manager is the Instance Manager. It is safe for concurrent use: every
// fire call owns its own module, instance and store, and the Manager
// itself holds no invocation-scoped state.
type Manager struct {
	eng              runtime.Contract
	table            *hostabi.Table
	fuelPolicy       fuel.Policy
	defaultTimeoutMs uint32
	metrics          *Metrics
	nowNs            func() uint64
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithHostTable overrides the default Host Function Table, which is
// hostabi.New() with no options (no filesystem bindings, no host_call ids).
func WithHostTable(t *hostabi.Table) Option {
	return func(m *Manager) { m.table = t }
}

// WithFuelPolicy overrides the default fuel.Policy.
func WithFuelPolicy(p fuel.Policy) Option {
	return func(m *Manager) { m.fuelPolicy = p }
}

// WithDefaultTimeoutMs overrides DefaultTimeoutMs.
func WithDefaultTimeoutMs(ms uint32) Option {
	return func(m *Manager) { m.defaultTimeoutMs = ms }
}

// WithMetrics attaches a Metrics collector the Manager reports invocation
// outcomes to. Without one, metrics are simply not recorded.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the nanosecond clock used to stamp
// ForensicDump.CapturedAtNs, for deterministic tests.
func WithClock(nowNs func() uint64) Option {
	return func(m *Manager) { m.nowNs = nowNs }
}

// New builds a Manager bound to eng. eng must implement runtime.Contract
// faithfully; a Manager never validates the contract beyond reacting to
// the documented error types.
func New(eng runtime.Contract, opts ...Option) *Manager {
	m := &Manager{
		eng:              eng,
		table:            hostabi.New(),
		fuelPolicy:       fuel.New(),
		defaultTimeoutMs: DefaultTimeoutMs,
		nowNs:            func() uint64 { return uint64(time.Now().UnixNano()) },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Validate compiles wasm and discards the result, surfacing only whether
// the module is well-formed. It never instantiates or executes anything.
func (m *Manager) Validate(ctx context.Context, wasm []byte) error {
	mod, err := m.eng.Compile(ctx, wasm)
	if err != nil {
		var invalid *runtime.InvalidModuleError
		if asInvalidModule(err, &invalid) {
			return invalid
		}
		return fmt.Errorf("manager: validate: contract violation: %w", err)
	}
	m.eng.CloseModule(ctx, mod)
	return nil
}

// Fire drives one invocation through Validating → Compiling → Linking →
// Instantiating → Running → {Completed | Capturing → Crashed} and always
// returns a complete Result. The returned error is non-nil only for
// fatal conditions (host-process OOM, Runtime contract violations);
// every expected failure mode is reported as Result{Kind: ResultCrash}.
//
// ctx governs Compile and Instantiate. The Call step runs detached from
// ctx on its own timer: caller-side cancellation is not propagated to a
// running invocation — only the timeout is. Invocations are atomic.
func (m *Manager) Fire(ctx context.Context, wasm []byte, function string, args []runtime.Value, opts Options) (Result, error) {
	start := time.Now()
	requested := append([]capability.Capability(nil), opts.Capabilities...)

	// 1. Validate capabilities.
	granted, err := capability.Effective(capability.NewSet(requested...))
	if err != nil {
		dump := capture.Capture(m.eng, nil, forensic.InstantiationFailed("unknown_capability"), capture.Context{
			Function:              function,
			Args:                  args,
			RequestedCapabilities: requested,
			WallTimeNs:            uint64(time.Since(start)),
			NowNs:                 m.nowNs,
		})
		return m.recordCrash(dump), nil
	}
	grantedSlice := granted.Slice()

	// 2. Compile.
	modRef, err := m.eng.Compile(ctx, wasm)
	if err != nil {
		var invalid *runtime.InvalidModuleError
		if !asInvalidModule(err, &invalid) {
			return Result{}, fmt.Errorf("manager: compile: contract violation: %w", err)
		}
		dump := capture.Capture(m.eng, nil, forensic.InvalidModule(), capture.Context{
			Function:              function,
			Args:                  args,
			RequestedCapabilities: requested,
			GrantedCapabilities:   grantedSlice,
			WallTimeNs:            uint64(time.Since(start)),
			NowNs:                 m.nowNs,
		})
		return m.recordCrash(dump), nil
	}
	// Releases the compiled artifact on every path, including an
	// Instantiate failure where no instance or store ever exists for
	// Cleanup to take. Engines where Cleanup already subsumes this treat
	// the second release as a no-op.
	defer m.eng.CloseModule(ctx, modRef)

	// 3. Build imports: the sole capability-attenuation enforcement point.
	imports := m.table.Select(granted)

	fuelBudget := opts.fuel(m.fuelPolicy.DefaultAllocation)
	timeoutMs := opts.timeoutMs(m.defaultTimeoutMs)

	// 4. Instantiate.
	instRef, store, err := m.eng.Instantiate(ctx, modRef, imports, fuelBudget)
	if err != nil {
		return m.handleInstantiateFailure(err, function, args, requested, grantedSlice, granted, start)
	}

	captureCtx := capture.Context{
		Function:              function,
		Args:                  args,
		RequestedCapabilities: requested,
		GrantedCapabilities:   grantedSlice,
		FuelBudget:            fuelBudget,
		MaxMemoryPages:        opts.MaxMemoryPagesInDump,
		NowNs:                 m.nowNs,
	}
	defer m.eng.Cleanup(instRef, store)

	// 5. Execute under timeout.
	values, fuelRemaining, callErr, fatal := m.runWithTimeout(ctx, instRef, store, function, args, timeoutMs)
	wallTime := time.Since(start)
	if fatal != nil {
		return Result{}, fatal
	}
	if callErr == nil {
		meta := Metadata{FuelRemaining: fuelRemaining, WallTimeNs: uint64(wallTime)}
		if m.metrics != nil {
			fuelConsumed, _ := m.eng.FuelConsumed(store)
			m.metrics.observeCompleted(fuelConsumed, meta.WallTimeNs)
		}
		return ok(values, meta), nil
	}

	// 6. Forensic capture, for every non-Ok path.
	captureCtx.WallTimeNs = uint64(wallTime)
	cause := classifyCallError(callErr)
	dump := capture.Capture(m.eng, store, cause, captureCtx)
	return m.recordCrash(dump), nil
}

// handleInstantiateFailure maps a failed Instantiate into a Crash Result.
// On LinkError: the missing import is attributed to the capability that
// gates it; on InstantiationTrap: a capture is still attempted, though
// the engine ordinarily has no live store to offer at this point.
func (m *Manager) handleInstantiateFailure(err error, function string, args []runtime.Value, requested, grantedSlice []capability.Capability, granted capability.Set, start time.Time) (Result, error) {
	captureCtx := capture.Context{
		Function:              function,
		Args:                  args,
		RequestedCapabilities: requested,
		GrantedCapabilities:   grantedSlice,
		WallTimeNs:            uint64(time.Since(start)),
		NowNs:                 m.nowNs,
	}

	var linkErr *runtime.LinkError
	if asLinkError(err, &linkErr) {
		deniedCap, found := m.attributeDenied(linkErr.MissingImport, granted)
		if !found {
			deniedCap = capability.Capability("unknown")
		}
		dump := capture.Capture(m.eng, nil, forensic.HostDenied(deniedCap), captureCtx)
		return m.recordCrash(dump), nil
	}

	var trapErr *runtime.InstantiationTrapError
	if asInstantiationTrap(err, &trapErr) {
		dump := capture.Capture(m.eng, nil, forensic.InstantiationFailed(trapErr.Msg), captureCtx)
		return m.recordCrash(dump), nil
	}

	return Result{}, fmt.Errorf("manager: instantiate: contract violation: %w", err)
}

// attributeDenied tries to resolve the exact (module, name) pair out of
// missingImport ("module.name" or a bare module name), falling back to the
// first capability the Manager withheld from the import set. The fallback
// is only an approximation: when the missing import is not in the table at
// all (e.g. filesystem bindings omitted for lack of a configured root),
// FirstDenied names whichever gated capability happens to come first in
// table order, not the one the module actually wanted.
func (m *Manager) attributeDenied(missingImport string, granted capability.Set) (capability.Capability, bool) {
	module, name, hasDot := splitModuleName(missingImport)
	if hasDot {
		if cap, ok := m.table.RequiredCapability(module, name); ok {
			return cap, true
		}
	}
	return m.table.FirstDenied(granted)
}

// runWithTimeout spawns function's Call on a worker goroutine and waits
// for either its completion or timeoutMs, whichever comes first — the
// rendezvous is the caller's single suspension point. On timeout it
// interrupts the engine and still waits — bounded by
// interruptGrace — for the goroutine to actually unwind, since the store
// must not be touched by capture while the worker might still be writing
// to it.
func (m *Manager) runWithTimeout(ctx context.Context, inst runtime.InstanceRef, store runtime.StoreRef, function string, args []runtime.Value, timeoutMs uint32) (values []runtime.Value, fuelRemaining uint64, callErr error, fatal error) {
	type callResult struct {
		values        []runtime.Value
		fuelRemaining uint64
		err           error
	}
	resultCh := make(chan callResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- callResult{err: &runtime.TrapError{Kind: runtime.TrapHostPanic, Msg: fmt.Sprintf("%v", r)}}
			}
		}()
		v, remaining, err := m.eng.Call(context.Background(), inst, function, args)
		resultCh <- callResult{values: v, fuelRemaining: remaining, err: err}
	}()

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		return res.values, res.fuelRemaining, res.err, nil
	case <-timer.C:
		if err := m.eng.Interrupt(store); err != nil {
			log.Printf("manager: interrupt failed: %v", err)
		}
		select {
		case res := <-resultCh:
			// The engine honored Interrupt, but whatever it returned is
			// moot: the wall clock already exceeded the caller's budget.
			_ = res
			return nil, 0, errCallTimeout, nil
		case <-time.After(interruptGrace):
			return nil, 0, nil, fmt.Errorf("manager: runtime did not honor Interrupt within %s: contract violation", interruptGrace)
		}
	}
}

func (m *Manager) recordCrash(dump forensic.Dump) Result {
	if m.metrics != nil {
		m.metrics.observeCrashed(dump.Cause.Kind.String(), dump.FuelConsumed, dump.WallTimeNs)
	}
	return crash(dump)
}

// classifyCallError maps a Call error into the ForensicDump cause taxonomy.
func classifyCallError(err error) forensic.Cause {
	if errors.Is(err, errCallTimeout) {
		return forensic.Timeout()
	}
	var fuelErr *runtime.FuelExhaustedError
	if asFuelExhausted(err, &fuelErr) {
		return forensic.FuelExhausted()
	}
	var trapErr *runtime.TrapError
	if asTrap(err, &trapErr) {
		return forensic.Trap(trapErr.Kind, trapErr.Msg)
	}
	var linkErr *runtime.LinkError
	if asLinkError(err, &linkErr) {
		// A LinkError surfacing from Call (rather than Instantiate) means
		// the requested export does not exist. The cause taxonomy has no
		// variant for that, so it is reported as an unclassified trap.
		return forensic.Trap(runtime.TrapUnknown, err.Error())
	}
	return forensic.Trap(runtime.TrapUnknown, err.Error())
}

func splitModuleName(s string) (module, name string, hasDot bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i], s[i+1:], true
		}
	}
	return "env", s, false
}
