package ws

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// IsOriginAllowed checks the request's Origin header against an allow-list.
//
// Entries may be:
//   - a full origin with scheme ("https://example.com", "http://127.0.0.1:5173")
//   - a bare hostname ("example.com"), matched case-insensitively, any port
//   - a wildcard hostname ("*.example.com"), matching subdomains only
//   - a host:port pair ("example.com:8443")
//   - an exact non-standard value ("null")
//
// allowNoOrigin decides requests that carry no Origin header at all.
func IsOriginAllowed(r *http.Request, allowed []string, allowNoOrigin bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return allowNoOrigin
	}
	var host, hostname string
	if parsed, err := url.Parse(origin); err == nil {
		host = strings.ToLower(parsed.Host)
		hostname = strings.ToLower(parsed.Hostname())
	}
	for _, entry := range allowed {
		if matchOrigin(strings.TrimSpace(entry), origin, host, hostname) {
			return true
		}
	}
	return false
}

// matchOrigin reports whether one allow-list entry admits the given origin.
// host and hostname are pre-lowercased.
func matchOrigin(entry, origin, host, hostname string) bool {
	switch {
	case entry == "":
		return false
	case strings.Contains(entry, "://"):
		// Scheme present: exact origin match only.
		return origin == entry
	case strings.HasPrefix(entry, "*."):
		apex := strings.ToLower(strings.TrimPrefix(entry, "*."))
		if apex == "" || hostname == "" {
			return false
		}
		return strings.HasSuffix(hostname, "."+apex)
	}
	// host:port entries compare against the origin's host; anything else is
	// a hostname, with an exact-string fallback for values like "null".
	if host != "" {
		if _, _, err := net.SplitHostPort(entry); err == nil {
			return host == strings.ToLower(entry)
		}
	}
	if hostname != "" && hostname == strings.ToLower(entry) {
		return true
	}
	return origin == entry
}
