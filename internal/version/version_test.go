package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	t.Run("ldflags values win", func(t *testing.T) {
		got := String("v0.3.0", "deadbee", "2026-08-01T00:00:00Z")
		if got != "v0.3.0 (deadbee) 2026-08-01T00:00:00Z" {
			t.Fatalf("unexpected version line: %q", got)
		}
	})

	t.Run("placeholders are dropped", func(t *testing.T) {
		if got := String("v0.3.0", "unknown", "unknown"); got != "v0.3.0" {
			t.Fatalf("unexpected version line: %q", got)
		}
	})

	t.Run("never empty", func(t *testing.T) {
		got := String("", "unknown", "unknown")
		if got == "" || strings.Contains(got, "unknown") {
			t.Fatalf("unexpected version line: %q", got)
		}
	})
}
