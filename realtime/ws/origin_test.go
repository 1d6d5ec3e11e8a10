package ws

import (
	"net/http/httptest"
	"testing"
)

func TestIsOriginAllowed(t *testing.T) {
	cases := []struct {
		name          string
		origin        string
		allowed       []string
		allowNoOrigin bool
		want          bool
	}{
		{name: "full origin exact match", origin: "http://example.com:5173", allowed: []string{"http://example.com:5173"}, want: true},
		{name: "full origin port mismatch", origin: "http://example.com:5173", allowed: []string{"http://example.com"}, want: false},
		{name: "hostname ignores port and case", origin: "https://ExAmPlE.com:5173", allowed: []string{"example.com"}, want: true},
		{name: "host:port match", origin: "https://ExAmPlE.com:5173", allowed: []string{"example.com:5173"}, want: true},
		{name: "host:port mismatch", origin: "https://example.com:5173", allowed: []string{"example.com:9999"}, want: false},
		{name: "wildcard admits subdomain", origin: "https://a.example.com", allowed: []string{"*.example.com"}, want: true},
		{name: "wildcard rejects apex", origin: "https://example.com", allowed: []string{"*.example.com"}, want: false},
		{name: "wildcard is case-insensitive", origin: "https://A.ExAmPlE.com", allowed: []string{"*.example.com"}, want: true},
		{name: "ipv6 hostname entry", origin: "http://[::1]:5173", allowed: []string{"::1"}, want: true},
		{name: "literal null entry", origin: "null", allowed: []string{"null"}, want: true},
		{name: "empty entries are skipped", origin: "https://example.com", allowed: []string{"", "  ", "example.com"}, want: true},
		{name: "no origin allowed", origin: "", allowed: []string{"example.com"}, allowNoOrigin: true, want: true},
		{name: "no origin rejected", origin: "", allowed: []string{"example.com"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "http://relay.local/pocket-parrot", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			got := IsOriginAllowed(r, tc.allowed, tc.allowNoOrigin)
			if got != tc.want {
				t.Fatalf("IsOriginAllowed(origin=%q, allowed=%v) = %v, want %v", tc.origin, tc.allowed, got, tc.want)
			}
		})
	}
}
