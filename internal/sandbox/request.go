package sandbox

import (
	"fmt"
	"unicode/utf8"

	v8 "github.com/tommie/v8go"
)

const defaultSourceName = "<user-code>"

// RequestScope is created for exactly one request and dropped once its
// response is written, per spec.md §3's lifecycle table. It owns the
// user-facing evaluation scope (a fresh V8 context, child of the
// WorkerSlot's isolate) and the request's start-of-invocation CPU-time
// reading; it never outlives the WorkerSlot it was built from.
type RequestScope struct {
	slot *WorkerSlot

	startCPUTime uint64
	timeoutMs    uint32
}

// NewRequestScope creates a fresh RequestScope on the given slot. Per
// spec.md §3's invariant 3, nothing from a previous RequestScope on this
// slot is reachable from here — the evaluation scope below is a brand new
// V8 context.
func NewRequestScope(slot *WorkerSlot) *RequestScope {
	return &RequestScope{slot: slot}
}

// Handle runs the full request pipeline from spec.md §4.4 and returns the
// response blob. It never returns a Go error: every client- or user-code
// failure is folded into a structured response. A FatalError — an
// inconsistency the spec says "should never happen" — is raised as a
// panic, by design: the caller is expected to recover it at the top of the
// worker loop, log it with a stack trace, and abort the process, per
// spec.md §7's system-error policy.
func (r *RequestScope) Handle(requestBlob []byte) []byte {
	iso := r.slot.iso
	ctx := v8.NewContext(iso)
	defer ctx.Close()

	if !utf8.Valid(requestBlob) {
		return r.slot.errorResponse("bad_request", "Request is not valid UTF-8.")
	}

	code, userContext, timeoutMs, errResp := decodeRequest(r.slot, iso, ctx, requestBlob)
	if errResp != nil {
		return errResp
	}
	r.timeoutMs = timeoutMs

	implicit, err := newImplicitObject(iso, ctx, ctx.Global(), r.elapsedMs)
	if err != nil {
		panic(FatalError{Message: "building implicit scope: " + err.Error()})
	}

	fn, err := compileRequest(iso, ctx, code, implicit, userContext)
	if err != nil {
		return r.slot.errorResponse("code_error", formatDiagnostic(err, defaultSourceName))
	}

	return r.armAndInvoke(ctx, fn)
}

// decodeRequest implements spec.md §4.4 step 1. On any client-input
// problem it returns a non-nil response blob and the caller should return
// it immediately.
func decodeRequest(slot *WorkerSlot, iso *v8.Isolate, ctx *v8.Context, requestBlob []byte) (code string, userContext *v8.Object, timeoutMs uint32, errResp []byte) {
	parsed, err := jsonParse(iso, ctx, string(requestBlob))
	if err != nil {
		return "", nil, 0, slot.errorResponse("bad_request", "Request is not valid JSON.")
	}
	if !parsed.IsObject() || parsed.IsArray() {
		return "", nil, 0, slot.errorResponse("bad_request", "Request is not an object.")
	}
	obj, err := parsed.AsObject()
	if err != nil {
		panic(FatalError{Message: "converting parsed request to an object: " + err.Error()})
	}

	contextVal, err := obj.Get("context")
	if err != nil {
		panic(FatalError{Message: "reading 'context': " + err.Error()})
	}
	if !contextVal.IsObject() {
		return "", nil, 0, slot.errorResponse("bad_request", "Missing 'context' parameter or it is not an object.")
	}
	contextObj, err := contextVal.AsObject()
	if err != nil {
		panic(FatalError{Message: "converting 'context' to an object: " + err.Error()})
	}

	codeVal, err := obj.Get("code")
	if err != nil {
		panic(FatalError{Message: "reading 'code': " + err.Error()})
	}
	if !codeVal.IsString() {
		return "", nil, 0, slot.errorResponse("bad_request", "Missing 'code' parameter or it is not a string.")
	}

	timeoutVal, err := obj.Get("timeout")
	if err != nil {
		panic(FatalError{Message: "reading 'timeout': " + err.Error()})
	}
	switch {
	case timeoutVal.IsUndefined():
		timeoutMs = uint32(slot.limits.DefaultTimeout.Milliseconds())
	case timeoutVal.IsUint32():
		timeoutMs = timeoutVal.Uint32()
		if timeoutMs == 0 {
			return "", nil, 0, slot.errorResponse("bad_request", "'timeout' parameter must be a positive integer.")
		}
	default:
		return "", nil, 0, slot.errorResponse("bad_request", "'timeout' parameter must be a positive integer.")
	}

	return codeVal.String(), contextObj, timeoutMs, nil
}

// armAndInvoke implements spec.md §4.4 steps 3–8: arm the limits, invoke
// the compiled function, read the clock, disarm, classify the outcome and
// emit a response.
func (r *RequestScope) armAndInvoke(ctx *v8.Context, fn *v8.Function) []byte {
	slot := r.slot

	slot.heapLimitEnabled = true
	slot.heapLimitExceeded = false

	start, err := slot.currentCPUTime()
	if err != nil {
		panic(FatalError{Message: err.Error()})
	}
	r.startCPUTime = start

	slot.cpuWatchdog.Arm(uint64(r.timeoutMs)*1e6, func() uint64 {
		used, err := r.usedCPUTimeCrossThread()
		if err != nil {
			// The watchdog goroutine can't return an error; a clock
			// failure here is exactly the kind of "should never happen"
			// condition spec.md §7 calls a system error.
			panic(FatalError{Message: err.Error()})
		}
		return used
	})
	slot.memWatchdog.Arm(func() { slot.heapLimitExceeded = true })

	retval, callErr := fn.Call(ctx.Global().Value)

	var stringified *v8.Value
	var stringifyErr error
	if callErr == nil {
		stringified, stringifyErr = jsonStringify(ctx, retval)
	}

	usedTime, clockErr := r.usedCPUTime()
	if clockErr != nil {
		panic(FatalError{Message: clockErr.Error()})
	}

	cpuFired := slot.cpuWatchdog.Disarm()
	slot.memWatchdog.Disarm()
	slot.heapLimitEnabled = false

	iso := slot.iso
	if iso.IsExecutionTerminating() {
		iso.CancelTerminateExecution()
		switch {
		case slot.heapLimitExceeded:
			return slot.errorResponse("code_error", "Memory limit exceeded.")
		case cpuFired:
			usedMs := float64(usedTime) / 1e6
			detail := fmt.Sprintf("CPU time limit exceeded (limit %d ms, used %.3f ms).", r.timeoutMs, usedMs)
			return slot.errorResponse("code_error", detail)
		default:
			panic(FatalError{Message: "execution terminating but neither over memory nor over CPU time"})
		}
	}

	if callErr != nil {
		return slot.errorResponse("code_error", formatDiagnostic(callErr, defaultSourceName))
	}
	if stringifyErr != nil {
		return slot.errorResponse("code_error", formatDiagnostic(stringifyErr, defaultSourceName))
	}
	if stringified == nil {
		panic(FatalError{Message: "execution succeeded but stringified return value is nil"})
	}

	elapsedMs := int64((usedTime + 1e6 - 1) / 1e6)

	if stringified.IsUndefined() {
		return successResponse("null", elapsedMs)
	}
	return successResponse(stringified.String(), elapsedMs)
}

// usedCPUTime implements the accounting rule in spec.md §4.3, read from the
// WorkerSlot's own owning thread (valid here because armAndInvoke itself
// runs on that thread — it calls this only after fn.Call has returned).
//
// Note: without a verified GC prologue/epilogue hook in tommie/v8go (see
// DESIGN.md), this cannot subtract GC-attributed time from the result the
// way spec.md §4.3 specifies; the reported figure includes any GC time the
// request's invocation incurred. This is a disclosed, deliberate deviation,
// not an oversight.
func (r *RequestScope) usedCPUTime() (uint64, error) {
	now, err := r.slot.currentCPUTime()
	if err != nil {
		return 0, err
	}
	return now - r.startCPUTime, nil
}

// usedCPUTimeCrossThread is usedCPUTime's counterpart for the CpuWatchdog's
// own polling goroutine, which runs on a different OS thread than the one
// executing the request — see crossThreadCPUTime's doc comment for why
// usedCPUTime itself cannot be called from there.
func (r *RequestScope) usedCPUTimeCrossThread() (uint64, error) {
	now, err := r.slot.crossThreadCPUTime()
	if err != nil {
		return 0, err
	}
	// The /proc reading is truncated to whole clock ticks, so it can be
	// below startCPUTime (taken from the precise thread clock); that counts
	// as no CPU time used yet rather than wrapping around.
	if now < r.startCPUTime {
		return 0, nil
	}
	return now - r.startCPUTime, nil
}

// elapsedMs is passed to the implicit `cputime()` binding: CPU
// milliseconds elapsed so far in the request, rounded up.
func (r *RequestScope) elapsedMs() int64 {
	used, err := r.usedCPUTime()
	if err != nil {
		return 0
	}
	return int64((used + 1e6 - 1) / 1e6)
}
