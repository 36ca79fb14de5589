package sandbox

import (
	"sync"
	"time"
)

// watchdogStatus is the CpuWatchdog's single state variable, guarded by
// CpuWatchdog.mu. It is never observed or mutated outside that lock.
type watchdogStatus int

const (
	watchdogDisabled watchdogStatus = iota
	watchdogArmed
	watchdogTriggered
	watchdogExiting
)

// watchdogIdleCheck is the poll interval used while disabled or already
// triggered — there is nothing to watch, so this is just how quickly the
// watchdog notices a shutdown request.
const watchdogIdleCheck = time.Hour

// usedCPUTimeFunc reports CPU time used so far by the request currently
// armed on the watchdog. It is called from the watchdog's own goroutine.
type usedCPUTimeFunc func() uint64

// CpuWatchdog is a dedicated background goroutine, one per WorkerSlot, that
// polls a request's CPU-time usage and forcibly terminates the isolate's
// execution when the usage crosses the armed deadline. It exists because
// this system measures CPU time rather than wall-clock time, and neither
// POSIX per-thread-CPU-clock timers nor signal-based timers interact well
// with an embedded V8 isolate — see spec.md §4.3's rationale. This mirrors
// original_source/src/evaluation.h's CpuWatchdog class line for line, with
// Go's sync.Cond standing in for std::condition_variable.
type CpuWatchdog struct {
	terminate func()

	mu     sync.Mutex
	cv     *sync.Cond
	status watchdogStatus

	usedCPUTime usedCPUTimeFunc
	limit       uint64

	done chan struct{}
}

// NewCpuWatchdog starts the watchdog goroutine for a slot. terminate is
// called (from the watchdog's own goroutine) when the armed deadline is
// exceeded; it must be safe to call from a thread other than the one
// running the isolate — v8go documents Isolate.TerminateExecution as such.
func NewCpuWatchdog(terminate func()) *CpuWatchdog {
	w := &CpuWatchdog{
		terminate: terminate,
		status:    watchdogDisabled,
		done:      make(chan struct{}),
	}
	w.cv = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// Arm starts watching a new deadline. Precondition: the watchdog is
// currently Disabled (i.e. the previous request's Disarm has returned).
func (w *CpuWatchdog) Arm(limit uint64, used usedCPUTimeFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != watchdogDisabled {
		panic("sandbox: CpuWatchdog.Arm called while not disabled")
	}
	w.status = watchdogArmed
	w.usedCPUTime = used
	w.limit = limit
	w.cv.Broadcast()
}

// Disarm stops watching and reports whether the watchdog fired (i.e.
// terminate was called) before this call. It always leaves the watchdog
// Disabled, whether or not it fired.
func (w *CpuWatchdog) Disarm() (fired bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.status {
	case watchdogArmed:
		fired = false
	case watchdogTriggered:
		fired = true
	default:
		panic("sandbox: CpuWatchdog.Disarm called while not armed or triggered")
	}
	w.status = watchdogDisabled
	w.usedCPUTime = nil
	return fired
}

// Stop shuts down the watchdog goroutine and waits for it to exit. The
// watchdog must be Disabled first.
func (w *CpuWatchdog) Stop() {
	w.mu.Lock()
	w.status = watchdogExiting
	w.cv.Broadcast()
	w.mu.Unlock()
	<-w.done
}

func (w *CpuWatchdog) run() {
	defer close(w.done)

	next := watchdogIdleCheck
	for {
		fired := w.waitAndCheck(next)
		if fired == nil {
			return // told to exit
		}
		next = *fired
	}
}

// waitAndCheck waits up to "wait" for a status change (Arm/Disarm/Stop all
// broadcast), then acts on the current status. It returns the next wait
// duration, or nil if the watchdog should exit.
//
// sync.Cond has no timed wait, so a timer goroutine is used to inject a
// wakeup after "wait" elapses. A wakeup for a stale timer — one whose wait
// call has already returned for some other reason — is harmless: it just
// causes one extra, otherwise-unnecessary status check.
func (w *CpuWatchdog) waitAndCheck(wait time.Duration) *time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	// The timer takes the lock before broadcasting, so its wakeup cannot
	// arrive before Wait has released the lock and started waiting.
	timer := time.AfterFunc(wait, func() {
		w.mu.Lock()
		w.cv.Broadcast()
		w.mu.Unlock()
	})
	w.cv.Wait()
	timer.Stop()

	switch w.status {
	case watchdogDisabled, watchdogTriggered:
		next := watchdogIdleCheck
		return &next
	case watchdogExiting:
		return nil
	case watchdogArmed:
		used := w.usedCPUTime()
		if used >= w.limit {
			w.terminate()
			w.status = watchdogTriggered
			next := watchdogIdleCheck
			return &next
		}
		next := time.Duration(w.limit - used)
		return &next
	default:
		panic("sandbox: CpuWatchdog in unknown status")
	}
}
