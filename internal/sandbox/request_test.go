package sandbox

import (
	"runtime"
	"strings"
	"testing"
)

// newTestSlot builds a WorkerSlot for a single test, skipping if a
// GlobalEngine already exists in this test binary (GlobalEngine being a
// process-wide, constructed-exactly-once resource per spec.md §4.1). The
// test goroutine is pinned to its OS thread for the whole test, as
// WorkerSlot requires.
func newTestSlot(t *testing.T) *WorkerSlot {
	t.Helper()

	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)

	engine, err := NewGlobalEngine()
	if err != nil {
		t.Skipf("GlobalEngine already constructed in this process: %v", err)
	}
	t.Cleanup(engine.Close)

	slot, err := NewWorkerSlot(DefaultLimits())
	if err != nil {
		t.Fatalf("NewWorkerSlot() error = %v", err)
	}
	t.Cleanup(slot.Close)
	return slot
}

func TestHandle_SimpleArithmetic(t *testing.T) {
	slot := newTestSlot(t)
	resp := NewRequestScope(slot).Handle([]byte(`{"code":"return 1+2","context":{}}`))

	if !strings.Contains(string(resp), `"status":"success"`) {
		t.Fatalf("response = %s, want a success response", resp)
	}
	if !strings.Contains(string(resp), `"return_value":3`) {
		t.Errorf("response = %s, want return_value 3", resp)
	}
}

func TestHandle_ContextBinding(t *testing.T) {
	slot := newTestSlot(t)
	resp := NewRequestScope(slot).Handle([]byte(`{"code":"return x*2","context":{"x":21}}`))

	if !strings.Contains(string(resp), `"return_value":42`) {
		t.Errorf("response = %s, want return_value 42", resp)
	}
}

func TestHandle_EmptyCodeReturnsNull(t *testing.T) {
	slot := newTestSlot(t)
	resp := NewRequestScope(slot).Handle([]byte(`{"code":"","context":{}}`))

	want := `"return_value":null`
	if !strings.Contains(string(resp), want) {
		t.Errorf("response = %s, want it to contain %q", resp, want)
	}
}

func TestHandle_ThrownExceptionIsCodeError(t *testing.T) {
	slot := newTestSlot(t)
	resp := NewRequestScope(slot).Handle([]byte(`{"code":"throw new Error('nope')","context":{}}`))

	s := string(resp)
	if !strings.Contains(s, `"status":"code_error"`) {
		t.Fatalf("response = %s, want status code_error", s)
	}
	if !strings.Contains(s, "nope") {
		t.Errorf("response = %s, want detail to contain the thrown message", s)
	}
	if !strings.Contains(s, "Stack trace:") {
		t.Errorf("response = %s, want a Stack trace section", s)
	}
}

func TestHandle_CyclicReturnValueIsCodeError(t *testing.T) {
	slot := newTestSlot(t)
	resp := NewRequestScope(slot).Handle([]byte(`{"code":"var o={}; o.self=o; return o;","context":{}}`))

	if !strings.Contains(string(resp), `"status":"code_error"`) {
		t.Fatalf("response = %s, want status code_error (JSON.stringify throws on a cyclic object)", resp)
	}
}

func TestHandle_CpuTimeLimitExceeded(t *testing.T) {
	slot := newTestSlot(t)
	resp := NewRequestScope(slot).Handle([]byte(`{"code":"while(true){}","context":{},"timeout":5}`))

	s := string(resp)
	if !strings.Contains(s, `"status":"code_error"`) {
		t.Fatalf("response = %s, want status code_error", s)
	}
	if !strings.Contains(s, "CPU time limit exceeded") {
		t.Errorf("response = %s, want detail to start with \"CPU time limit exceeded\"", s)
	}
}

func TestHandle_MemoryLimitExceeded(t *testing.T) {
	slot := newTestSlot(t)
	resp := NewRequestScope(slot).Handle([]byte(
		`{"code":"var a=[]; while(true) a.push(new Array(1e6));","context":{},"timeout":1000}`))

	s := string(resp)
	if !strings.Contains(s, `"status":"code_error"`) {
		t.Fatalf("response = %s, want status code_error", s)
	}
	if !strings.Contains(s, "Memory limit exceeded.") {
		t.Errorf("response = %s, want detail %q", s, "Memory limit exceeded.")
	}
}

func TestHandle_WorkerSlotUsableAfterMemoryLimit(t *testing.T) {
	slot := newTestSlot(t)

	first := NewRequestScope(slot).Handle([]byte(
		`{"code":"var a=[]; while(true) a.push(new Array(1e6));","context":{},"timeout":1000}`))
	if !strings.Contains(string(first), "Memory limit exceeded.") {
		t.Fatalf("first response = %s, want a memory-limit error to set up this test", first)
	}

	second := NewRequestScope(slot).Handle([]byte(`{"code":"return 1+1","context":{}}`))
	if !strings.Contains(string(second), `"return_value":2`) {
		t.Errorf("second response = %s, want a clean return_value of 2 after the prior request hit the memory limit", second)
	}
}

func TestHandle_InvalidUTF8(t *testing.T) {
	slot := newTestSlot(t)
	resp := NewRequestScope(slot).Handle([]byte{0x80})

	want := `{"status":"bad_request","detail":"Request is not valid UTF-8."}`
	if string(resp) != want {
		t.Errorf("response = %s, want %s", resp, want)
	}
}

func TestHandle_InvalidJSON(t *testing.T) {
	slot := newTestSlot(t)
	resp := NewRequestScope(slot).Handle([]byte(`not json`))

	if !strings.Contains(string(resp), `"status":"bad_request"`) {
		t.Errorf("response = %s, want status bad_request", resp)
	}
}

func TestHandle_MissingContext(t *testing.T) {
	slot := newTestSlot(t)
	resp := NewRequestScope(slot).Handle([]byte(`{"code":"return 1"}`))

	if !strings.Contains(string(resp), `"status":"bad_request"`) {
		t.Errorf("response = %s, want status bad_request", resp)
	}
}

func TestHandle_MissingCode(t *testing.T) {
	slot := newTestSlot(t)
	resp := NewRequestScope(slot).Handle([]byte(`{"context":{}}`))

	if !strings.Contains(string(resp), `"status":"bad_request"`) {
		t.Errorf("response = %s, want status bad_request", resp)
	}
}

func TestHandle_ZeroTimeoutIsBadRequest(t *testing.T) {
	slot := newTestSlot(t)
	resp := NewRequestScope(slot).Handle([]byte(`{"code":"return 1","context":{},"timeout":0}`))

	if !strings.Contains(string(resp), `"status":"bad_request"`) {
		t.Errorf("response = %s, want status bad_request", resp)
	}
}

func TestHandle_CompileErrorIsCodeError(t *testing.T) {
	slot := newTestSlot(t)
	resp := NewRequestScope(slot).Handle([]byte(`{"code":"this is not valid javascript {{{","context":{}}`))

	if !strings.Contains(string(resp), `"status":"code_error"`) {
		t.Errorf("response = %s, want status code_error", resp)
	}
}

func TestHandle_ImplicitGlobalBinding(t *testing.T) {
	slot := newTestSlot(t)
	resp := NewRequestScope(slot).Handle([]byte(`{"code":"global.injected = 9; return global.injected;","context":{}}`))

	if !strings.Contains(string(resp), `"return_value":9`) {
		t.Errorf("response = %s, want return_value 9 via the implicit global binding", resp)
	}
}

func TestHandle_ToJSONCannotCorruptEnvelope(t *testing.T) {
	slot := newTestSlot(t)
	resp := NewRequestScope(slot).Handle([]byte(
		`{"code":"return {toJSON: function(){ return '\"}garbage{\"'; }};","context":{}}`))

	s := string(resp)
	if !strings.HasPrefix(s, `{"status":"success","return_value":`) {
		t.Fatalf("response = %s, want the envelope's status/return_value keys intact", s)
	}
	if !strings.HasSuffix(s, `}`) {
		t.Errorf("response = %s, want a syntactically valid JSON object", s)
	}
}
