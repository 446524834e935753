// Package munition executes untrusted WebAssembly modules under fuel,
// timeout and capability bounds, preserving a forensic snapshot of the
// sandbox on any abnormal termination. Fire and Validate are the two
// entry points, backed by the default wazero Runtime and the full
// compile → instantiate → invoke → capture → cleanup lifecycle
// implemented in pkg/manager.
//
// Most callers only need this package. Embedders who want a non-default
// Runtime, a custom Host Function Table, or direct access to the
// lifecycle should construct a *manager.Manager themselves against their
// own runtime.Contract.
package munition

import (
	"context"

	"github.com/munition/munition/pkg/fuel"
	"github.com/munition/munition/pkg/hostabi"
	"github.com/munition/munition/pkg/manager"
	"github.com/munition/munition/pkg/runtime"
	wazeroengine "github.com/munition/munition/pkg/runtime/wazero"
)

// Sandbox is a ready-to-use Munition instance: a wazero-backed Runtime
// plus the Manager driving it. Every Fire call through a Sandbox is fully
// isolated from every other and releases everything it allocated before
// Fire returns; the Sandbox itself holds no invocation-scoped state and is
// safe for concurrent use.
type Sandbox struct {
	mgr *manager.Manager
}

// Config configures a Sandbox at construction time.
type Config struct {
	// FilesystemRoot, if set, confines the filesystem_read/filesystem_write
	// host imports beneath this directory. Leaving it unset omits those
	// two bindings from the Host Function Table entirely, so modules that
	// import them fail to link regardless of granted capabilities.
	FilesystemRoot string

	// DefaultFuel overrides fuel.DefaultFuel for invocations that don't
	// request an explicit budget.
	DefaultFuel uint64

	// DefaultTimeoutMs overrides manager.DefaultTimeoutMs.
	DefaultTimeoutMs uint32

	// Metrics, if set, is the prometheus.Collector Fire reports invocation
	// outcomes to. The caller owns registering it with a registry.
	Metrics *manager.Metrics

	// HostCalls registers embedder-specific native callbacks reachable
	// from the guest via host_call(id, ...), gated by capability.HostCall.
	HostCalls map[int32]runtime.HostFunc
}

// New builds a Sandbox.
func New(cfg Config) *Sandbox {
	tableOpts := make([]hostabi.Option, 0, 1+len(cfg.HostCalls))
	if cfg.FilesystemRoot != "" {
		tableOpts = append(tableOpts, hostabi.WithFilesystemRoot(cfg.FilesystemRoot))
	}
	for id, fn := range cfg.HostCalls {
		tableOpts = append(tableOpts, hostabi.WithHostCall(id, fn))
	}
	table := hostabi.New(tableOpts...)

	fuelPolicy := fuel.New()
	if cfg.DefaultFuel != 0 {
		fuelPolicy.Default = cfg.DefaultFuel
	}

	mgrOpts := []manager.Option{
		manager.WithHostTable(table),
		manager.WithFuelPolicy(fuelPolicy),
	}
	if cfg.DefaultTimeoutMs != 0 {
		mgrOpts = append(mgrOpts, manager.WithDefaultTimeoutMs(cfg.DefaultTimeoutMs))
	}
	if cfg.Metrics != nil {
		mgrOpts = append(mgrOpts, manager.WithMetrics(cfg.Metrics))
	}

	return &Sandbox{mgr: manager.New(wazeroengine.New(), mgrOpts...)}
}

// Fire compiles wasm, instantiates it with imports
// gated by opts.Capabilities, invoke function with args under opts.Fuel
// and opts.TimeoutMs, and return the single outcome — Ok or Crash — with
// a forensic dump on every abnormal path.
func (s *Sandbox) Fire(ctx context.Context, wasm []byte, function string, args []runtime.Value, opts manager.Options) (manager.Result, error) {
	return s.mgr.Fire(ctx, wasm, function, args, opts)
}

// Validate compiles wasm and reports only whether it is well-formed. It
// never instantiates or executes anything.
func (s *Sandbox) Validate(ctx context.Context, wasm []byte) error {
	return s.mgr.Validate(ctx, wasm)
}

// Manager exposes the underlying *manager.Manager for embedders that need
// it directly (e.g. to pass to a different transport than this package's
// thin Fire/Validate wrappers).
func (s *Sandbox) Manager() *manager.Manager { return s.mgr }
