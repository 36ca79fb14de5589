package sandbox

import (
	"fmt"
	"sync"

	v8 "github.com/tommie/v8go"
)

var globalEngineOnce sync.Once
var globalEngineLive bool
var globalEngineMu sync.Mutex

// GlobalEngine is the process-wide scripting-engine runtime from spec.md
// §4.1. Exactly one may exist per process: it must be constructed before
// any WorkerSlot and disposed of after every WorkerSlot has been torn down,
// mirroring original_source/src/evaluation.h's GlobalContext and the flag
// it sets (--no-expose-wasm) to keep the sandbox's threat model narrow.
type GlobalEngine struct{}

// NewGlobalEngine sets the V8 flags for the process and marks the
// GlobalEngine as live; v8go itself initializes the platform on the first
// isolate creation. It returns an error, rather than panicking, because a
// second call (violating the "exactly one" rule) is a programming error the
// caller should be able to detect at startup rather than during request
// handling.
func NewGlobalEngine() (*GlobalEngine, error) {
	globalEngineMu.Lock()
	defer globalEngineMu.Unlock()
	if globalEngineLive {
		return nil, fmt.Errorf("sandbox: a GlobalEngine already exists in this process")
	}

	globalEngineOnce.Do(func() {
		// v8go initializes the platform lazily on first isolate creation;
		// SetFlags must run before that. The Once makes it run only once
		// even if GlobalEngine is recreated after a prior Close (not a
		// supported pattern, but cheap to guard).
		v8.SetFlags("--no-expose-wasm")
	})

	globalEngineLive = true
	return &GlobalEngine{}, nil
}

// Close marks the GlobalEngine as no longer live, so that a new one may be
// constructed. It does not dispose of the V8 platform, which stays
// initialized until the process exits. The caller must still close every
// WorkerSlot first, keeping the teardown order GlobalEngine's doc describes.
func (g *GlobalEngine) Close() {
	globalEngineMu.Lock()
	defer globalEngineMu.Unlock()
	globalEngineLive = false
}
