// Package hostabi is the Host Function Table: for every host import name,
// the capability that gates it and its native implementation. The table
// is static and process-wide once built; a call site of a native function
// never re-checks capabilities — that happens once, at instantiation, by
// omitting ungranted bindings entirely. This is the framework's sole
// capability enforcement point.
//
// Beyond the named imports, host_call exposes a fixed namespace of
// embedder-registered native callbacks the guest reaches by numeric id
// instead of by name.
package hostabi

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/munition/munition/pkg/capability"
	"github.com/munition/munition/pkg/runtime"
)

// Binding is one entry of the Host Function Table. Params and Results
// declare the wasm-level signature the import is registered under.
type Binding struct {
	Module     string
	Name       string
	Capability capability.Capability
	Params     []runtime.ValueType
	Results    []runtime.ValueType
	Func       runtime.HostFunc
}

// HostPanic is the value a Binding's native implementation panics with to
// signal an internal failure: a typed panic caught at the call boundary
// rather than plumbed through as a second return value the guest ABI has
// no room for.
type HostPanic struct {
	Err error
}

func (p HostPanic) Error() string { return p.Err.Error() }

// Table is the static, process-wide set of bindings. Build it once at
// process init with New and never mutate it afterwards.
type Table struct {
	bindings []Binding
	fsRoot   string
	calls    map[int32]runtime.HostFunc
}

// Option configures a Table at construction time.
type Option func(*Table)

// WithFilesystemRoot confines fs_read/fs_write to paths beneath root.
// Without it, filesystem bindings are omitted from the table entirely.
func WithFilesystemRoot(root string) Option {
	return func(t *Table) { t.fsRoot = root }
}

// WithHostCall registers a callback reachable from the guest via
// host_call(id, ...), gated by the host_call capability. This is the
// embedder's extension point for application-specific native functions.
func WithHostCall(id int32, fn runtime.HostFunc) Option {
	return func(t *Table) {
		if t.calls == nil {
			t.calls = make(map[int32]runtime.HostFunc)
		}
		t.calls[id] = fn
	}
}

// New builds the default Host Function Table: clock, random, and
// (when WithFilesystemRoot is given) filesystem read/write, plus a
// network DNS-lookup primitive and a generic host_call dispatcher for
// embedder-registered callbacks.
func New(opts ...Option) *Table {
	t := &Table{}
	for _, opt := range opts {
		opt(t)
	}

	i32 := runtime.ValueTypeI32
	i64 := runtime.ValueTypeI64
	t.bindings = []Binding{
		{Module: "env", Name: "time_now", Capability: capability.Time,
			Results: []runtime.ValueType{i64}, Func: t.timeNow},
		{Module: "env", Name: "random_get", Capability: capability.Random,
			Params: []runtime.ValueType{i32, i32}, Results: []runtime.ValueType{i32}, Func: t.randomGet},
		{Module: "env", Name: "net_lookup", Capability: capability.Network,
			Params: []runtime.ValueType{i32, i32}, Results: []runtime.ValueType{i32}, Func: t.netLookup},
		{Module: "env", Name: "host_call", Capability: capability.HostCall,
			Params: []runtime.ValueType{i32, i32, i32}, Results: []runtime.ValueType{i32}, Func: t.hostCall},
	}
	if t.fsRoot != "" {
		t.bindings = append(t.bindings,
			Binding{Module: "env", Name: "fs_read", Capability: capability.FilesystemRead,
				Params: []runtime.ValueType{i32, i32, i32, i32}, Results: []runtime.ValueType{i32}, Func: t.fsRead},
			Binding{Module: "env", Name: "fs_write", Capability: capability.FilesystemWrite,
				Params: []runtime.ValueType{i32, i32, i32, i32}, Results: []runtime.ValueType{i32}, Func: t.fsWrite},
		)
	}
	return t
}

// Bindings returns every entry in the table, regardless of capability.
func (t *Table) Bindings() []Binding {
	return t.bindings
}

// Select returns the runtime.Import bindings whose gating capability is in
// granted, in table order. This is the sole enforcement point for
// capability attenuation: imports not selected here are simply absent
// from the instantiate call, so a module that references one fails to
// link with *runtime.LinkError.
func (t *Table) Select(granted capability.Set) []runtime.Import {
	out := make([]runtime.Import, 0, len(t.bindings))
	for _, b := range t.bindings {
		if !granted.Has(b.Capability) {
			continue
		}
		out = append(out, runtime.Import{
			Module:  b.Module,
			Name:    b.Name,
			Params:  b.Params,
			Results: b.Results,
			Func:    b.Func,
		})
	}
	return out
}

// RequiredCapability returns the capability gating (module, name), and
// whether such a binding exists at all.
func (t *Table) RequiredCapability(module, name string) (capability.Capability, bool) {
	for _, b := range t.bindings {
		if b.Module == module && b.Name == name {
			return b.Capability, true
		}
	}
	return "", false
}

// FirstDenied returns the gating capability of the first table-order
// binding not present in granted, and whether one exists. It is the
// Manager's fallback attribution for a LinkError whose missing-import
// string does not carry the exact (module, name) pair: the engine
// contract's LinkError.MissingImport is not guaranteed to be that
// specific, so when the Manager cannot resolve the precise binding it
// falls back to reporting the first capability it withheld from the
// import set it offered at Instantiate.
func (t *Table) FirstDenied(granted capability.Set) (capability.Capability, bool) {
	for _, b := range t.bindings {
		if !granted.Has(b.Capability) {
			return b.Capability, true
		}
	}
	return "", false
}

func (t *Table) timeNow(_ context.Context, _ runtime.Memory, _ []runtime.Value) ([]runtime.Value, error) {
	return []runtime.Value{runtime.I64Value(time.Now().UnixNano())}, nil
}

func (t *Table) randomGet(_ context.Context, mem runtime.Memory, args []runtime.Value) ([]runtime.Value, error) {
	if len(args) != 2 {
		panic(HostPanic{fmt.Errorf("random_get: expected (ptr, len) arguments")})
	}
	ptr, length := uint32(args[0].I32), uint32(args[1].I32)
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		panic(HostPanic{fmt.Errorf("random_get: %w", err)})
	}
	if err := mem.Write(ptr, buf); err != nil {
		panic(HostPanic{fmt.Errorf("random_get: %w", err)})
	}
	return []runtime.Value{runtime.I32Value(0)}, nil
}

func (t *Table) netLookup(_ context.Context, mem runtime.Memory, args []runtime.Value) ([]runtime.Value, error) {
	if len(args) != 2 {
		panic(HostPanic{fmt.Errorf("net_lookup: expected (host_ptr, host_len) arguments")})
	}
	ptr, length := uint32(args[0].I32), uint32(args[1].I32)
	hostBytes, err := mem.Read(ptr, length)
	if err != nil {
		panic(HostPanic{fmt.Errorf("net_lookup: %w", err)})
	}
	addrs, err := net.LookupHost(string(hostBytes))
	if err != nil {
		return []runtime.Value{runtime.I32Value(-1)}, nil
	}
	return []runtime.Value{runtime.I32Value(int32(len(addrs)))}, nil
}

func (t *Table) fsRead(_ context.Context, mem runtime.Memory, args []runtime.Value) ([]runtime.Value, error) {
	if len(args) != 4 {
		panic(HostPanic{fmt.Errorf("fs_read: expected (path_ptr, path_len, buf_ptr, buf_len) arguments")})
	}
	path, err := t.resolvePath(mem, args[0], args[1])
	if err != nil {
		panic(HostPanic{err})
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return []runtime.Value{runtime.I32Value(-1)}, nil
	}
	bufPtr, bufLen := uint32(args[2].I32), uint32(args[3].I32)
	if uint32(len(data)) > bufLen {
		data = data[:bufLen]
	}
	if err := mem.Write(bufPtr, data); err != nil {
		panic(HostPanic{fmt.Errorf("fs_read: %w", err)})
	}
	return []runtime.Value{runtime.I32Value(int32(len(data)))}, nil
}

func (t *Table) fsWrite(_ context.Context, mem runtime.Memory, args []runtime.Value) ([]runtime.Value, error) {
	if len(args) != 4 {
		panic(HostPanic{fmt.Errorf("fs_write: expected (path_ptr, path_len, data_ptr, data_len) arguments")})
	}
	path, err := t.resolvePath(mem, args[0], args[1])
	if err != nil {
		panic(HostPanic{err})
	}
	data, err := mem.Read(uint32(args[2].I32), uint32(args[3].I32))
	if err != nil {
		panic(HostPanic{fmt.Errorf("fs_write: %w", err)})
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return []runtime.Value{runtime.I32Value(-1)}, nil
	}
	return []runtime.Value{runtime.I32Value(0)}, nil
}

func (t *Table) hostCall(ctx context.Context, mem runtime.Memory, args []runtime.Value) ([]runtime.Value, error) {
	if len(args) < 1 {
		panic(HostPanic{fmt.Errorf("host_call: expected at least an id argument")})
	}
	id := args[0].I32
	fn, ok := t.calls[id]
	if !ok {
		return []runtime.Value{runtime.I32Value(-1)}, nil
	}
	return fn(ctx, mem, args[1:])
}

// resolvePath reads a guest-supplied path and confines it beneath fsRoot,
// rejecting any path that resolves outside it.
func (t *Table) resolvePath(mem runtime.Memory, ptrVal, lenVal runtime.Value) (string, error) {
	raw, err := mem.Read(uint32(ptrVal.I32), uint32(lenVal.I32))
	if err != nil {
		return "", fmt.Errorf("read path: %w", err)
	}
	joined := filepath.Join(t.fsRoot, string(raw))
	if !strings.HasPrefix(joined, filepath.Clean(t.fsRoot)+string(filepath.Separator)) && joined != filepath.Clean(t.fsRoot) {
		return "", fmt.Errorf("path escapes filesystem root: %q", raw)
	}
	return joined, nil
}
