package cmdutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// UsageError marks an operator mistake; user-facing CLIs exit 2 on it.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

// IsUsage reports whether err is, or wraps, a UsageError.
func IsUsage(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

// RefuseOverwrite returns a UsageError when path exists and overwrite is
// false. Stat failures other than not-exist surface as-is.
func RefuseOverwrite(path string, overwrite bool) error {
	if path == "" || overwrite {
		return nil
	}
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return &UsageError{Msg: fmt.Sprintf("refusing to overwrite existing file: %s (use --overwrite)", path)}
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return err
	}
}

// WriteJSON encodes v to w with a trailing newline, indented when pretty.
func WriteJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
