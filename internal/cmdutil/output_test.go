package cmdutil

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestRefuseOverwrite(t *testing.T) {
	t.Run("missing path is fine", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "report.json")
		if err := RefuseOverwrite(p, false); err != nil {
			t.Fatalf("RefuseOverwrite() failed: %v", err)
		}
	})

	t.Run("empty path is fine", func(t *testing.T) {
		if err := RefuseOverwrite("", false); err != nil {
			t.Fatalf("RefuseOverwrite() failed: %v", err)
		}
	})

	t.Run("existing file without overwrite is a usage error", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "report.json")
		if err := os.WriteFile(p, []byte("{}"), 0o644); err != nil {
			t.Fatalf("WriteFile() failed: %v", err)
		}
		err := RefuseOverwrite(p, false)
		if err == nil || !IsUsage(err) {
			t.Fatalf("expected a usage error, got %v", err)
		}
		if err := RefuseOverwrite(p, true); err != nil {
			t.Fatalf("overwrite=true should pass, got %v", err)
		}
	})

	t.Run("stat errors are not usage errors", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("permission bits are not portable on windows")
		}
		if os.Geteuid() == 0 {
			t.Skip("root bypasses directory permission bits")
		}
		dir := filepath.Join(t.TempDir(), "sealed")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			t.Fatalf("MkdirAll() failed: %v", err)
		}
		p := filepath.Join(dir, "report.json")
		if err := os.WriteFile(p, []byte("{}"), 0o644); err != nil {
			t.Fatalf("WriteFile() failed: %v", err)
		}
		if err := os.Chmod(dir, 0o000); err != nil {
			t.Fatalf("Chmod() failed: %v", err)
		}
		t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

		err := RefuseOverwrite(p, false)
		if err == nil || IsUsage(err) || errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected a plain stat error, got %v", err)
		}
	})
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, map[string]int{"senders": 4}, false); err != nil {
		t.Fatalf("WriteJSON() failed: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Fatalf("expected a trailing newline, got %q", buf.String())
	}

	buf.Reset()
	if err := WriteJSON(&buf, map[string]int{"senders": 4}, true); err != nil {
		t.Fatalf("WriteJSON(pretty) failed: %v", err)
	}
	if !strings.Contains(buf.String(), "\n  ") {
		t.Fatalf("expected indented output, got %q", buf.String())
	}
}
