// Package version renders the --version line for the relay CLIs.
package version

import (
	"runtime/debug"
	"strings"
)

const placeholder = "unknown"

// String builds a one-line version description from ldflags-injected
// values, falling back to module build info where they are missing.
func String(version string, commit string, date string) string {
	v := strings.TrimSpace(version)
	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	if info, ok := debug.ReadBuildInfo(); ok {
		if v == "" || v == "dev" || v == "(devel)" {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
		if c == "" || c == placeholder {
			c = vcsSetting(info, "vcs.revision", c)
		}
		if d == "" || d == placeholder {
			d = vcsSetting(info, "vcs.time", d)
		}
	}

	var b strings.Builder
	if v == "" {
		v = "dev"
	}
	b.WriteString(v)
	if c != "" && c != placeholder {
		b.WriteString(" (")
		b.WriteString(c)
		b.WriteString(")")
	}
	if d != "" && d != placeholder {
		b.WriteString(" ")
		b.WriteString(d)
	}
	return b.String()
}

// vcsSetting returns the named build setting, or fallback when absent.
func vcsSetting(info *debug.BuildInfo, key, fallback string) string {
	for _, s := range info.Settings {
		if s.Key == key && s.Value != "" {
			return s.Value
		}
	}
	return fallback
}
