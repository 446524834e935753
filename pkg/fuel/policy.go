// Package fuel computes fuel allocations for WASM invocations.
//
// A Policy is a pure function of its inputs: no mutable global state, no
// I/O. The zero value is ready to use and reproduces the package-level
// default.
package fuel

// DefaultFuel is the production default fuel budget. Test suites
// conventionally use a smaller figure to keep fixtures fast.
const DefaultFuel uint64 = 100_000

// bytesPerFuelUnit scales a module's compiled size into a fuel allocation
// when ForModule is asked for a size-scaled budget instead of the flat
// default.
const bytesPerFuelUnit uint64 = 4

// Policy computes fuel allocations. The zero value is the default policy.
type Policy struct {
	// Default overrides DefaultFuel when non-zero.
	Default uint64
}

// New returns a Policy using the package default fuel budget.
func New() Policy {
	return Policy{Default: DefaultFuel}
}

// DefaultAllocation returns the policy's flat allocation, falling back to the
// package constant if unset.
func (p Policy) DefaultAllocation() uint64 {
	if p.Default == 0 {
		return DefaultFuel
	}
	return p.Default
}

// ForModule returns a fuel allocation scaled to a module's compiled size
// and an optional declared complexity multiplier, falling back to
// DefaultAllocation when no size is known. declaredComplexity of 0 means
// "not declared" and is treated as 1. Saturates at the maximum uint64
// rather than overflowing.
func (p Policy) ForModule(wasmSizeBytes uint64, declaredComplexity uint64) uint64 {
	if wasmSizeBytes == 0 {
		return p.DefaultAllocation()
	}
	if declaredComplexity == 0 {
		declaredComplexity = 1
	}

	scaled := saturatingMul(wasmSizeBytes, bytesPerFuelUnit)
	scaled = saturatingMul(scaled, declaredComplexity)

	base := p.DefaultAllocation()
	if scaled < base {
		return base
	}
	return scaled
}

// saturatingMul multiplies a and b, clamping to the maximum uint64 instead
// of wrapping on overflow.
func saturatingMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	const max = ^uint64(0)
	if a > max/b {
		return max
	}
	return a * b
}
