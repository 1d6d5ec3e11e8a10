package label

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxLen is the default maximum length for client-supplied labels
// (username, deviceId). Labels are opaque: the relay never keys on them.
const MaxLen = 128

var (
	// ErrTooLong indicates the label exceeds the configured maximum.
	ErrTooLong = errors.New("label too long")
	// ErrNotUTF8 indicates the label is not valid UTF-8.
	ErrNotUTF8 = errors.New("label not valid utf-8")
)

// Normalize trims leading/trailing whitespace from a label.
func Normalize(s string) string {
	return strings.TrimSpace(s)
}

// Validate validates a normalized label. Empty labels are allowed; both
// handshake fields are optional.
func Validate(s string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = MaxLen
	}
	if len(s) > maxLen {
		return fmt.Errorf("%w (max=%d)", ErrTooLong, maxLen)
	}
	if !utf8.ValidString(s) {
		return ErrNotUTF8
	}
	return nil
}
