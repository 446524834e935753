// Package capture implements the Forensic Capture sequence: given a store
// that is still live (or just trapped) and the cause that triggered it,
// produce an immutable ForensicDump in a fixed, non-suspending order —
// fuel, then globals, then memory, then a timestamp. The dump holds memory
// uncompressed; compression happens when forensic.Encode serializes it.
//
// Capture never mutates the store. It runs strictly before cleanup: read
// everything the engine still exposes before anything releases it.
package capture

import (
	"fmt"

	"github.com/munition/munition/pkg/capability"
	"github.com/munition/munition/pkg/forensic"
	"github.com/munition/munition/pkg/runtime"
)

// Context carries the invocation-scoped facts a dump needs beyond what the
// store itself exposes: none of these are readable off the engine after
// the fact, so the Manager must hand them in.
type Context struct {
	Function              string
	Args                  []runtime.Value
	RequestedCapabilities []capability.Capability
	GrantedCapabilities   []capability.Capability
	FuelBudget            uint64
	WallTimeNs            uint64
	MaxMemoryPages        uint32 // 0 means unbounded
	NowNs                 func() uint64
}

const wasmPageSize = 65536

// Capture runs the §4.7 sequence against store and returns the resulting
// Dump. It never returns an error: a read that fails mid-sequence degrades
// the dump (empty memory, a noted capture failure folded into cause) but
// never masks the cause the Manager already determined.
func Capture(eng runtime.Contract, store runtime.StoreRef, cause forensic.Cause, ctx Context) forensic.Dump {
	d := forensic.Dump{
		Cause:                 cause,
		Function:              ctx.Function,
		Args:                  ctx.Args,
		RequestedCapabilities: ctx.RequestedCapabilities,
		GrantedCapabilities:   ctx.GrantedCapabilities,
		WallTimeNs:            ctx.WallTimeNs,
	}

	if store == nil {
		// Compile or pre-instantiation failure: no store ever existed, so
		// there is nothing to read and memory stays empty.
		d.CapturedAtNs = now(ctx)
		return d
	}

	consumed, err := eng.FuelConsumed(store)
	if err != nil {
		d.Cause = degrade(cause, "fuel_consumed unreadable: "+err.Error())
	}
	d.FuelConsumed = consumed
	if ctx.FuelBudget > consumed {
		d.FuelRemaining = ctx.FuelBudget - consumed
	}

	globals, err := eng.ReadGlobals(store)
	if err != nil {
		d.Cause = degrade(d.Cause, "globals unreadable: "+err.Error())
	} else {
		d.Globals = globals
	}

	pages, truncated, err := readMemory(eng, store, ctx.MaxMemoryPages)
	if err != nil {
		d.Cause = degrade(d.Cause, "memory unreadable: "+err.Error())
		d.MemoryPages = nil
	} else {
		d.MemoryPages = pages
		d.MemoryTruncated = truncated
	}

	d.CapturedAtNs = now(ctx)
	return d
}

// readMemory walks linear memory a page at a time until ReadMemory itself
// reports the range is out of bounds, which is how the engine signals "no
// more pages" absent an explicit size query on the Contract. It clamps to
// maxPages when non-zero, per the Options.MaxMemoryPagesInDump bound.
func readMemory(eng runtime.Contract, store runtime.StoreRef, maxPages uint32) ([]byte, bool, error) {
	var out []byte
	var page uint32
	for {
		if maxPages != 0 && page >= maxPages {
			// Truncated only if memory actually extends past the bound.
			_, err := eng.ReadMemory(store, page*wasmPageSize, 1)
			return out, err == nil, nil
		}
		chunk, err := eng.ReadMemory(store, page*wasmPageSize, wasmPageSize)
		if err != nil {
			if page == 0 {
				// No memory at all (e.g. a module with no memory export)
				// is not a capture failure.
				return nil, false, nil
			}
			return out, false, nil
		}
		if len(chunk) == 0 {
			return out, false, nil
		}
		out = append(out, chunk...)
		page++
	}
}

// degrade folds a capture-time failure into cause without discarding the
// original reason: a failing capture never masks the crash it was
// recording.
func degrade(c forensic.Cause, note string) forensic.Cause {
	if c.Message != "" {
		c.Message = fmt.Sprintf("%s (capture degraded: %s)", c.Message, note)
	} else {
		c.Message = fmt.Sprintf("capture degraded: %s", note)
	}
	return c
}

func now(ctx Context) uint64 {
	if ctx.NowNs != nil {
		return ctx.NowNs()
	}
	return 0
}
