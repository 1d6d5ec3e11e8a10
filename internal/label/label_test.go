package label

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got := Normalize("  parrot-7 \n"); got != "parrot-7" {
		t.Fatalf("got %q, want %q", got, "parrot-7")
	}
	if got := Normalize(""); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("", 0); err != nil {
		t.Fatalf("empty label should be valid: %v", err)
	}
	if err := Validate("pixel-8a", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate(strings.Repeat("x", MaxLen), 0); err != nil {
		t.Fatalf("label at MaxLen should be valid: %v", err)
	}
	if err := Validate(strings.Repeat("x", MaxLen+1), 0); !errors.Is(err, ErrTooLong) {
		t.Fatalf("got %v, want ErrTooLong", err)
	}
	if err := Validate("ok", 1); !errors.Is(err, ErrTooLong) {
		t.Fatalf("custom max: got %v, want ErrTooLong", err)
	}
	if err := Validate(string([]byte{0xff, 0xfe}), 0); !errors.Is(err, ErrNotUTF8) {
		t.Fatalf("got %v, want ErrNotUTF8", err)
	}
}
