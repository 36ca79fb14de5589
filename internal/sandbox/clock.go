package sandbox

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// clockTicksPerSecond is the kernel's USER_HZ, the unit /proc/[pid]/stat's
// utime/stime fields are reported in. It has been pinned at 100 across every
// mainstream Linux distribution and kernel config since the 2.6 ABI
// (CONFIG_HZ changes the scheduling tick, not USER_HZ), so it is safe to
// treat as a constant rather than reading it with a cgo sysconf call.
const clockTicksPerSecond = 100

// currentThreadID returns the calling OS thread's kernel TID. The caller
// must have pinned its goroutine to this thread with runtime.LockOSThread
// before calling this, and must keep the pin for as long as the returned
// TID is used — it identifies a specific kernel thread, not the goroutine.
func currentThreadID() int {
	return unix.Gettid()
}

// threadCPUTime reads CLOCK_THREAD_CPUTIME_ID for the calling OS thread, in
// nanoseconds. The caller must have pinned its goroutine to its OS thread
// with runtime.LockOSThread — this clock is meaningless otherwise, since the
// Go scheduler is free to move an unpinned goroutine to a different thread
// between calls, each with its own independent CPU-time counter.
//
// POSIX defines CLOCK_THREAD_CPUTIME_ID as the *calling* thread's clock: it
// cannot be read cross-thread. Use this only from code that runs on the
// thread whose CPU time is being measured (the WorkerSlot's owning thread,
// including engine callbacks the isolate invokes synchronously on it). A
// watchdog goroutine polling from a different thread must use
// threadCPUTimeForTID instead.
func threadCPUTime() (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_THREAD_CPUTIME_ID, &ts); err != nil {
		return 0, fmt.Errorf("reading thread CPU clock: %w", err)
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec), nil
}

// threadCPUTimeForTID reads the CPU time consumed by the OS thread tid, in
// nanoseconds, from /proc/self/task/<tid>/stat's utime+stime fields (proc(5)
// fields 14 and 15). Unlike CLOCK_THREAD_CPUTIME_ID, this can be called
// cross-thread: it is the portable, no-cgo substitute for the
// pthread_getcpuclockid(target_thread, &clockid) step
// original_source/src/evaluation.h uses to let its watchdog thread read the
// worker thread's CPU-time clock — Go's runtime and golang.org/x/sys expose
// no equivalent of pthread_getcpuclockid.
func threadCPUTimeForTID(tid int) (uint64, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/self/task/%d/stat", tid))
	if err != nil {
		return 0, fmt.Errorf("reading thread CPU time for tid %d: %w", tid, err)
	}

	// The second field (comm) is parenthesized and may itself contain
	// spaces or parens, so fields are counted from the last ')' rather
	// than by a naive space split.
	line := string(raw)
	closeParen := strings.LastIndexByte(line, ')')
	if closeParen < 0 {
		return 0, fmt.Errorf("parsing /proc stat for tid %d: no closing paren found", tid)
	}
	fields := strings.Fields(line[closeParen+1:])

	// Fields after comm are numbered from 3 in proc(5); utime is field 14
	// and stime is field 15, so their indices into `fields` are 14-3=11
	// and 15-3=12.
	const utimeIdx, stimeIdx = 11, 12
	if len(fields) <= stimeIdx {
		return 0, fmt.Errorf("parsing /proc stat for tid %d: too few fields", tid)
	}
	utime, err := strconv.ParseUint(fields[utimeIdx], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing utime for tid %d: %w", tid, err)
	}
	stime, err := strconv.ParseUint(fields[stimeIdx], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing stime for tid %d: %w", tid, err)
	}

	return (utime + stime) * (1_000_000_000 / clockTicksPerSecond), nil
}
