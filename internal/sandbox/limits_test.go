package sandbox

import "testing"

func TestDefaultLimits_HeapConstraints(t *testing.T) {
	limits := DefaultLimits()

	initial, max := limits.heapConstraints()
	if want := uint64(1024 * 1024); initial != want {
		t.Errorf("initial = %d, want %d (1024 KiB)", initial, want)
	}
	if want := uint64(64 * 1024 * 1024); max != want {
		t.Errorf("max = %d, want %d (64 MiB)", max, want)
	}

	if limits.DefaultTimeout.Milliseconds() != 10 {
		t.Errorf("DefaultTimeout = %s, want 10ms", limits.DefaultTimeout)
	}
}
