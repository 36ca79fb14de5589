package sandbox

import (
	"sync"
	"time"

	v8 "github.com/tommie/v8go"
)

// memPollInterval is how often MemoryWatchdog samples heap statistics while
// armed. Unlike CpuWatchdog, there is no usage-rate model to compute an
// adaptive next-check delay from — heap growth has no equivalent of "CPU
// time used so far" the watchdog can extrapolate a safe sleep from — so a
// short fixed interval is used instead.
const memPollInterval = 200 * time.Microsecond

// memIdleCheck is the poll interval used while disabled or already
// triggered, matching CpuWatchdog's own idle-check constant.
const memIdleCheck = time.Hour

type memWatchdogStatus int

const (
	memWatchdogDisabled memWatchdogStatus = iota
	memWatchdogArmed
	memWatchdogTriggered
	memWatchdogExiting
)

// MemoryWatchdog is a dedicated background goroutine, one per WorkerSlot,
// that polls v8go's Isolate.GetHeapStatistics() and forcibly terminates
// execution when usage crosses a configured cap. It exists in place of a
// native near-heap-limit callback: no such hook, nor a custom
// ArrayBuffer-allocator hook, is demonstrated anywhere in the example pack's
// use of tommie/v8go (the teacher's own memory handling goes no further than
// v8.WithResourceConstraints), so this polls the one heap-introspection
// method the binding is actually shown to expose, the same way CpuWatchdog
// polls thread CPU time instead of relying on a signal or a native timer.
//
// The same UsedHeapSize+ExternalMemory reading also covers the
// typed-array/ArrayBuffer case spec.md §4.2 asks a custom allocator for:
// native-backed ArrayBuffer storage is counted in V8's ExternalMemory
// statistic, so it is still bounded by this watchdog even without a hook
// that can refuse the allocation outright (see DESIGN.md).
type MemoryWatchdog struct {
	iso       *v8.Isolate
	terminate func()
	capBytes  uint64

	mu     sync.Mutex
	cv     *sync.Cond
	status memWatchdogStatus

	onExceeded func()

	done chan struct{}
}

// NewMemoryWatchdog starts the watchdog goroutine. terminate is called, from
// the watchdog's own goroutine, when usage crosses capBytes while armed.
func NewMemoryWatchdog(iso *v8.Isolate, capBytes uint64, terminate func()) *MemoryWatchdog {
	w := &MemoryWatchdog{
		iso:       iso,
		terminate: terminate,
		capBytes:  capBytes,
		status:    memWatchdogDisabled,
		done:      make(chan struct{}),
	}
	w.cv = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// Arm starts watching. onExceeded, if non-nil, is called (from the
// watchdog's own goroutine) at the moment the cap is crossed, before
// terminate — used to set WorkerSlot.heapLimitExceeded the same way the
// near-heap-limit callback would have in spec.md §4.2.
func (w *MemoryWatchdog) Arm(onExceeded func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != memWatchdogDisabled {
		panic("sandbox: MemoryWatchdog.Arm called while not disabled")
	}
	w.status = memWatchdogArmed
	w.onExceeded = onExceeded
	w.cv.Broadcast()
}

// Disarm stops watching and reports whether the watchdog fired before this
// call. Always leaves the watchdog Disabled.
func (w *MemoryWatchdog) Disarm() (fired bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.status {
	case memWatchdogArmed:
		fired = false
	case memWatchdogTriggered:
		fired = true
	default:
		panic("sandbox: MemoryWatchdog.Disarm called while not armed or triggered")
	}
	w.status = memWatchdogDisabled
	w.onExceeded = nil
	return fired
}

// Stop shuts down the watchdog goroutine and waits for it to exit. The
// watchdog must be Disabled first.
func (w *MemoryWatchdog) Stop() {
	w.mu.Lock()
	w.status = memWatchdogExiting
	w.cv.Broadcast()
	w.mu.Unlock()
	<-w.done
}

func (w *MemoryWatchdog) run() {
	defer close(w.done)

	next := memIdleCheck
	for {
		result := w.waitAndCheck(next)
		if result == nil {
			return
		}
		next = *result
	}
}

func (w *MemoryWatchdog) waitAndCheck(wait time.Duration) *time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	timer := time.AfterFunc(wait, func() {
		w.mu.Lock()
		w.cv.Broadcast()
		w.mu.Unlock()
	})
	w.cv.Wait()
	timer.Stop()

	switch w.status {
	case memWatchdogDisabled, memWatchdogTriggered:
		next := memIdleCheck
		return &next
	case memWatchdogExiting:
		return nil
	case memWatchdogArmed:
		stats := w.iso.GetHeapStatistics()
		used := stats.UsedHeapSize + stats.ExternalMemory
		if used >= w.capBytes {
			if w.onExceeded != nil {
				w.onExceeded()
			}
			w.terminate()
			w.status = memWatchdogTriggered
			next := memIdleCheck
			return &next
		}
		next := memPollInterval
		return &next
	default:
		panic("sandbox: MemoryWatchdog in unknown status")
	}
}
