package manager

import "github.com/munition/munition/pkg/capability"

// Options configures a single fire invocation. The zero value requests the
// Manager's configured defaults for Fuel and TimeoutMs and no capabilities
// beyond the implicit set.
//
// Fuel and TimeoutMs are pointers so that an explicit zero — fuel=0
// crashes with fuel_exhausted before executing any instruction — is
// distinguishable from "caller didn't set this, use the configured
// default".
type Options struct {
	Fuel                 *uint64
	TimeoutMs            *uint32
	Capabilities         []capability.Capability
	MaxMemoryPagesInDump uint32
}

// WithFuel returns Options with Fuel set to budget.
func (o Options) WithFuel(budget uint64) Options {
	o.Fuel = &budget
	return o
}

// WithTimeoutMs returns Options with TimeoutMs set to ms.
func (o Options) WithTimeoutMs(ms uint32) Options {
	o.TimeoutMs = &ms
	return o
}

// WithCapabilities returns Options requesting caps (aliases allowed; see
// pkg/capability).
func (o Options) WithCapabilities(caps ...capability.Capability) Options {
	o.Capabilities = caps
	return o
}

// WithMaxMemoryPagesInDump returns Options bounding captured memory to at
// most n pages. Zero means unbounded (capture full linear memory).
func (o Options) WithMaxMemoryPagesInDump(n uint32) Options {
	o.MaxMemoryPagesInDump = n
	return o
}

func (o Options) fuel(policy defaultFuelFunc) uint64 {
	if o.Fuel != nil {
		return *o.Fuel
	}
	return policy()
}

func (o Options) timeoutMs(def uint32) uint32 {
	if o.TimeoutMs != nil {
		return *o.TimeoutMs
	}
	return def
}

type defaultFuelFunc func() uint64
