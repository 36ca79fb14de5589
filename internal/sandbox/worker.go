package sandbox

import (
	v8 "github.com/tommie/v8go"
)

// heapCapFraction is how much of the isolate's configured old-space cap
// MemoryWatchdog treats as "exceeded". It polls rather than getting a
// synchronous native callback at the exact limit (see MemoryWatchdog's doc
// comment), so a margin below the hard v8.WithResourceConstraints cap gives
// it room to terminate execution before the isolate's own allocator hits
// the wall on its own terms.
const heapCapFraction = 0.9

// WorkerSlot owns one isolated V8 evaluation instance for the lifetime of
// its owning worker thread, plus the long-lived serialization scope used to
// emit responses and the two watchdogs that enforce the per-request CPU and
// memory budgets. It is not safe for concurrent use — exactly one
// RequestScope may be in flight on a WorkerSlot at a time, enforced by the
// caller (the server's accept loop processes one connection at a time per
// worker).
//
// WorkerSlot must be constructed on, and used from, the OS thread it will
// live on for its whole lifetime (runtime.LockOSThread): its CpuWatchdog
// reads that thread's CPU time cross-thread via the TID captured here.
type WorkerSlot struct {
	iso    *v8.Isolate
	tid    int
	limits Limits

	// responseCtx is never exposed to user code; it is the "serialization
	// scope" spec.md §4.2 requires, used by errorResponse (response.go) to
	// build and stringify response envelopes so a custom toJSON on a user
	// value can't corrupt them.
	responseCtx *v8.Context

	cpuWatchdog *CpuWatchdog
	memWatchdog *MemoryWatchdog

	heapLimitEnabled  bool
	heapLimitExceeded bool
}

// NewWorkerSlot constructs a WorkerSlot: a fresh isolate with the given heap
// caps, and the CpuWatchdog/MemoryWatchdog pair that enforce spec.md §4.2's
// limits by polling rather than by native engine callback (see
// MemoryWatchdog and DESIGN.md — no near-heap-limit callback, GC
// prologue/epilogue pair, fatal-error handler, or custom ArrayBuffer
// allocator is demonstrated anywhere in the example pack's use of
// tommie/v8go). Must be called on the OS thread the slot will live on — it
// captures that thread's TID for the CpuWatchdog's cross-thread reads.
func NewWorkerSlot(limits Limits) (*WorkerSlot, error) {
	initial, max := limits.heapConstraints()

	slot := &WorkerSlot{tid: currentThreadID(), limits: limits}

	iso := v8.NewIsolate(v8.WithResourceConstraints(initial, max))
	slot.iso = iso

	slot.responseCtx = v8.NewContext(iso)
	slot.cpuWatchdog = NewCpuWatchdog(iso.TerminateExecution)
	slot.memWatchdog = NewMemoryWatchdog(iso, uint64(float64(max)*heapCapFraction), iso.TerminateExecution)

	return slot, nil
}

// Close tears down both watchdog goroutines and disposes of the isolate. It
// must run on the slot's owning thread, after any in-flight request has
// finished — normally called from the worker loop's deferred cleanup on
// thread exit.
func (s *WorkerSlot) Close() {
	s.cpuWatchdog.Stop()
	s.memWatchdog.Stop()
	s.responseCtx.Close()
	s.iso.Dispose()
}

// currentCPUTime reads this slot's owning thread's own CPU time. Valid only
// when called from that thread (e.g. after Call returns) — see
// threadCPUTime's doc comment. The CpuWatchdog's polling goroutine must not
// call this; it calls crossThreadCPUTime instead.
func (s *WorkerSlot) currentCPUTime() (uint64, error) {
	return threadCPUTime()
}

// crossThreadCPUTime reads this slot's owning thread's CPU time from a
// goroutine other than that thread — the CpuWatchdog's polling loop. See
// threadCPUTimeForTID's doc comment for why this can't just be
// currentCPUTime called from the watchdog's own goroutine.
func (s *WorkerSlot) crossThreadCPUTime() (uint64, error) {
	return threadCPUTimeForTID(s.tid)
}
