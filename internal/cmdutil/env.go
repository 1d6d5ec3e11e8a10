// Package cmdutil holds the small helpers shared by the relay's CLIs:
// env-with-fallback config reading and JSON report output.
package cmdutil

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// envParse reads key and runs parse over it; an unset or blank variable
// yields the fallback without error.
func envParse[T any](key string, fallback T, parse func(string) (T, error)) (T, error) {
	raw, ok := lookup(key)
	if !ok {
		return fallback, nil
	}
	v, err := parse(raw)
	if err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// EnvString returns the trimmed value of key, or fallback when unset/blank.
func EnvString(key string, fallback string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return fallback
}

// EnvBool reads a boolean from the environment.
func EnvBool(key string, fallback bool) (bool, error) {
	return envParse(key, fallback, strconv.ParseBool)
}

// EnvInt reads an integer from the environment.
func EnvInt(key string, fallback int) (int, error) {
	return envParse(key, fallback, strconv.Atoi)
}

// EnvDuration reads a time.Duration ("5s", "1m") from the environment.
func EnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	return envParse(key, fallback, time.ParseDuration)
}

// SplitCSVEnv reads a comma-separated list, trimming entries and dropping
// blanks. An unset variable yields nil.
func SplitCSVEnv(key string) []string {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
