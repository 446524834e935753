package capability

import (
	"errors"
	"testing"
)

func TestValidateExpandsAliases(t *testing.T) {
	got, err := Validate(NewSet("full_fs"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Has(FilesystemRead) || !got.Has(FilesystemWrite) {
		t.Fatalf("expected full_fs to expand to read+write, got %v", got.Slice())
	}
	if len(got) != 2 {
		t.Fatalf("expected exactly 2 capabilities, got %d", len(got))
	}
}

func TestValidateExpandsTimeReadonly(t *testing.T) {
	got, err := Validate(NewSet("time_readonly"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || !got.Has(Time) {
		t.Fatalf("expected {time}, got %v", got.Slice())
	}
}

func TestValidateRejectsUnknown(t *testing.T) {
	_, err := Validate(NewSet("teleport"))
	if !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("expected ErrUnknownCapability, got %v", err)
	}
}

func TestImplicitAlwaysGranted(t *testing.T) {
	imp := Implicit()
	for _, c := range []Capability{Compute, MemoryRead, MemoryWrite} {
		if !imp.Has(c) {
			t.Fatalf("expected %s to be implicit", c)
		}
	}
	if imp.Has(Network) {
		t.Fatalf("network must not be implicit")
	}
}

func TestEffectiveUnionsImplicitAndRequested(t *testing.T) {
	eff, err := Effective(NewSet(Network))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range []Capability{Compute, MemoryRead, MemoryWrite, Network} {
		if !eff.Has(c) {
			t.Fatalf("expected %s in effective set %v", c, eff.Slice())
		}
	}
	if eff.Has(FilesystemRead) {
		t.Fatalf("filesystem_read must not be granted unless requested")
	}
}

func TestEffectivePropagatesValidationError(t *testing.T) {
	_, err := Effective(NewSet("bogus"))
	if !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("expected ErrUnknownCapability, got %v", err)
	}
}
