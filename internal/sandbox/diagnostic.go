package sandbox

import (
	"fmt"
	"strconv"
	"strings"

	v8 "github.com/tommie/v8go"
)

const (
	noMessageDetail    = "<no message>"
	noStackTraceDetail = "<no stack trace>"
)

// formatDiagnostic renders a compile- or run-time diagnostic as the
// "detail" string for a code_error response, per spec.md §4.5:
//
//	<message> [<source-name>:<line>]
//
//	Stack trace:
//	<stack>
//
// Anything the engine didn't supply falls back to a placeholder rather than
// being omitted, so the shape of the detail string is always the same.
func formatDiagnostic(err error, sourceName string) string {
	message, line, stack := noMessageDetail, -1, ""

	if jsErr, ok := err.(*v8.JSError); ok {
		if jsErr.Message != "" {
			message = jsErr.Message
		}
		if loc, ok := parseLine(jsErr.Location); ok {
			line = loc
		}
		stack = jsErr.StackTrace
	} else if err != nil {
		message = err.Error()
	}

	stackDetail := noStackTraceDetail
	if strings.TrimSpace(stack) != "" {
		stackDetail = stack
	}

	lineStr := "?"
	if line >= 0 {
		lineStr = strconv.Itoa(line)
	}

	return fmt.Sprintf("%s [%s:%s]\n\nStack trace:\n%s", message, sourceName, lineStr, stackDetail)
}

// parseLine extracts the line number from a v8go JSError.Location string,
// which has the form "<resource>:<line>:<column>".
func parseLine(location string) (int, bool) {
	parts := strings.Split(location, ":")
	if len(parts) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return 0, false
	}
	return n, true
}
