package sandbox

import "time"

// Limits holds the resource caps applied to every WorkerSlot. It plays the
// role core.EngineConfig plays for the teacher's pool, but scoped to what a
// single-isolate-per-thread sandbox needs.
type Limits struct {
	// SemiSpaceKB is the young-generation (new space) cap, in KiB.
	SemiSpaceKB uint64
	// OldSpaceMB is the old-generation heap cap, in MiB.
	OldSpaceMB uint64
	// DefaultTimeout is used when a request omits "timeout".
	DefaultTimeout time.Duration
}

// DefaultLimits mirrors the constants in original_source/src/evaluation.h's
// create_isolate: a 1024 KiB semi-space and a 64 MiB old-space cap.
func DefaultLimits() Limits {
	return Limits{
		SemiSpaceKB:    1024,
		OldSpaceMB:     64,
		DefaultTimeout: 10 * time.Millisecond,
	}
}

func (l Limits) heapConstraints() (initial, max uint64) {
	const kib = 1024
	const mib = 1024 * 1024
	return l.SemiSpaceKB * kib, l.OldSpaceMB * mib
}
