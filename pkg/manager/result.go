package manager

import (
	"github.com/munition/munition/pkg/forensic"
	"github.com/munition/munition/pkg/runtime"
)

// Metadata accompanies a successful invocation.
type Metadata struct {
	FuelRemaining uint64
	WallTimeNs    uint64
}

// ResultKind discriminates the two outcomes a caller can observe. All
// engine-level distinctions collapse into the dump's cause.
type ResultKind uint8

const (
	ResultOk ResultKind = iota
	ResultCrash
)

// Result is the outcome of a single fire invocation.
type Result struct {
	Kind     ResultKind
	Values   []runtime.Value
	Metadata Metadata
	Dump     forensic.Dump
}

// Crashed reports whether the invocation terminated abnormally.
func (r Result) Crashed() bool { return r.Kind == ResultCrash }

func ok(values []runtime.Value, meta Metadata) Result {
	return Result{Kind: ResultOk, Values: values, Metadata: meta}
}

func crash(dump forensic.Dump) Result {
	return Result{Kind: ResultCrash, Dump: dump}
}
