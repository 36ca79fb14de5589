package sandbox

import (
	"errors"
	"strings"
	"testing"
)

func TestFormatDiagnostic_PlainGoError(t *testing.T) {
	got := formatDiagnostic(errors.New("boom"), "<user-code>")

	if !strings.Contains(got, "boom") {
		t.Errorf("detail %q does not contain the error message", got)
	}
	if !strings.Contains(got, noStackTraceDetail) {
		t.Errorf("detail %q does not fall back to %q for a missing stack trace", got, noStackTraceDetail)
	}
	if !strings.Contains(got, "Stack trace:") {
		t.Errorf("detail %q is missing the \"Stack trace:\" section header", got)
	}
}

func TestFormatDiagnostic_NilError(t *testing.T) {
	got := formatDiagnostic(nil, "<user-code>")
	if !strings.Contains(got, noMessageDetail) {
		t.Errorf("detail %q does not fall back to %q for a nil error", got, noMessageDetail)
	}
}

func TestParseLine(t *testing.T) {
	cases := []struct {
		location string
		want     int
		ok       bool
	}{
		{"<user-code>:3:10", 3, true},
		{"<user-code>:1:1", 1, true},
		{"", 0, false},
		{"nocolon", 0, false},
	}
	for _, c := range cases {
		got, ok := parseLine(c.location)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("parseLine(%q) = (%d, %v), want (%d, %v)", c.location, got, ok, c.want, c.ok)
		}
	}
}
