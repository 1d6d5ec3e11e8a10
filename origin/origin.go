// Package origin derives HTTP Origin values for relay websocket clients.
package origin

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var errMissingHost = errors.New("ws url missing host")

// FromWSURL maps a ws:// or wss:// URL to the matching http(s) Origin.
func FromWSURL(wsURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(wsURL))
	if err != nil {
		return "", err
	}
	host := strings.TrimSpace(u.Host)
	if host == "" {
		return "", errMissingHost
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws":
		return "http://" + host, nil
	case "wss":
		return "https://" + host, nil
	}
	return "", fmt.Errorf("unsupported ws scheme: %s", u.Scheme)
}

// ForRelay picks the Origin for a relay connection: an explicit http(s)
// override wins, so clients behind a fixed allow-list keep a stable Origin;
// otherwise the value derives from relayURL.
func ForRelay(relayURL string, override string) (string, error) {
	if o, ok := parseOverride(override); ok {
		return o, nil
	}
	return FromWSURL(relayURL)
}

func parseOverride(override string) (string, bool) {
	override = strings.TrimSpace(override)
	if override == "" {
		return "", false
	}
	u, err := url.Parse(override)
	if err != nil || strings.TrimSpace(u.Host) == "" {
		return "", false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + u.Host, true
}
