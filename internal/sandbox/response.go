package sandbox

import (
	"fmt"

	v8 "github.com/tommie/v8go"
)

// successResponse builds the success envelope by literal template
// concatenation rather than building-and-marshaling a Go struct, per
// spec.md §6: retvalJSON is already-serialized JSON text produced by the
// user scope's own JSON.stringify, and re-parsing it just to re-marshal it
// would mean paying again for a value the caller may have made arbitrarily
// expensive to stringify.
func successResponse(retvalJSON string, elapsedMs int64) []byte {
	return []byte(fmt.Sprintf(`{"status":"success","return_value":%s,"time":%d}`, retvalJSON, elapsedMs))
}

// errorResponse builds a bad_request/code_error envelope inside the
// WorkerSlot's long-lived serialization scope — never the request's user
// evaluation scope — per spec.md §4.4 step 8 / §6: "the error forms are
// constructed by building an object in the serialization scope and
// stringifying it there." detail is always a plain Go-constructed string,
// never a user-controlled toJSON result, so this never risks invoking user
// code; it is built here rather than with encoding/json so the
// serialization scope spec.md §4.2 requires is an actually-exercised part
// of the response path, not a scope that is constructed and disposed of
// without ever being used.
func (s *WorkerSlot) errorResponse(status, detail string) []byte {
	obj, err := v8.NewObjectTemplate(s.iso).NewInstance(s.responseCtx)
	if err != nil {
		panic(FatalError{Message: "building error response object: " + err.Error()})
	}

	statusVal, err := v8.NewValue(s.iso, status)
	if err != nil {
		panic(FatalError{Message: err.Error()})
	}
	if err := obj.Set("status", statusVal); err != nil {
		panic(FatalError{Message: err.Error()})
	}

	detailVal, err := v8.NewValue(s.iso, detail)
	if err != nil {
		panic(FatalError{Message: err.Error()})
	}
	if err := obj.Set("detail", detailVal); err != nil {
		panic(FatalError{Message: err.Error()})
	}

	stringified, err := jsonStringify(s.responseCtx, obj.Value)
	if err != nil {
		panic(FatalError{Message: "stringifying error response: " + err.Error()})
	}
	return []byte(stringified.String())
}
