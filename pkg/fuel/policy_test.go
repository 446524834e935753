package fuel

import "testing"

func TestDefaultAllocationFallsBackToConstant(t *testing.T) {
	p := Policy{}
	if got := p.DefaultAllocation(); got != DefaultFuel {
		t.Fatalf("expected %d got %d", DefaultFuel, got)
	}

	p = Policy{Default: 10_000}
	if got := p.DefaultAllocation(); got != 10_000 {
		t.Fatalf("expected 10000 got %d", got)
	}
}

func TestForModuleFallsBackWhenSizeUnknown(t *testing.T) {
	p := Policy{Default: 10_000}
	if got := p.ForModule(0, 0); got != 10_000 {
		t.Fatalf("expected 10000 got %d", got)
	}
}

func TestForModuleScalesWithSizeAndComplexity(t *testing.T) {
	p := Policy{Default: 1_000}
	got := p.ForModule(1_000, 1)
	want := uint64(1_000 * bytesPerFuelUnit)
	if got != want {
		t.Fatalf("expected %d got %d", want, got)
	}

	got = p.ForModule(1_000, 3)
	want = uint64(1_000*bytesPerFuelUnit) * 3
	if got != want {
		t.Fatalf("expected %d got %d", want, got)
	}
}

func TestForModuleNeverDropsBelowDefault(t *testing.T) {
	p := Policy{Default: 1_000_000}
	if got := p.ForModule(1, 1); got != 1_000_000 {
		t.Fatalf("expected default floor 1000000 got %d", got)
	}
}

func TestSaturatingMulClampsInsteadOfWrapping(t *testing.T) {
	max := ^uint64(0)
	if got := saturatingMul(max, 2); got != max {
		t.Fatalf("expected saturation to max, got %d", got)
	}
	if got := saturatingMul(0, 5); got != 0 {
		t.Fatalf("expected 0 got %d", got)
	}
}
