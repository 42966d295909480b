package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xRealIP    string
		trustProxy bool
		proxyCount int
		want       string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.7:51234",
			want:       "203.0.113.7",
		},
		{
			name:       "ipv6 direct connection",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
		{
			name:       "headers ignored without trust",
			remoteAddr: "203.0.113.7:51234",
			xff:        "198.51.100.1",
			xRealIP:    "198.51.100.2",
			want:       "203.0.113.7",
		},
		{
			name:       "single trusted proxy",
			remoteAddr: "10.0.0.1:80",
			xff:        "198.51.100.1, 10.0.0.1",
			trustProxy: true,
			proxyCount: 1,
			want:       "198.51.100.1",
		},
		{
			name:       "two trusted proxies skip the middle hop",
			remoteAddr: "10.0.0.1:80",
			xff:        "198.51.100.1, 192.0.2.50, 10.0.0.2, 10.0.0.1",
			trustProxy: true,
			proxyCount: 2,
			want:       "192.0.2.50",
		},
		{
			name:       "zero count treated as one proxy",
			remoteAddr: "10.0.0.1:80",
			xff:        "198.51.100.1, 10.0.0.1",
			trustProxy: true,
			want:       "198.51.100.1",
		},
		{
			name:       "short list falls back to leftmost",
			remoteAddr: "10.0.0.1:80",
			xff:        "198.51.100.1",
			trustProxy: true,
			proxyCount: 3,
			want:       "198.51.100.1",
		},
		{
			name:       "garbage forwarded entry falls through to real ip",
			remoteAddr: "10.0.0.1:80",
			xff:        "not-an-ip, 10.0.0.1",
			xRealIP:    "198.51.100.9",
			trustProxy: true,
			proxyCount: 1,
			want:       "198.51.100.9",
		},
		{
			name:       "garbage everywhere falls back to peer",
			remoteAddr: "10.0.0.1:80",
			xff:        "not-an-ip, 10.0.0.1",
			xRealIP:    "also-garbage",
			trustProxy: true,
			proxyCount: 1,
			want:       "10.0.0.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}
			assert.Equal(t, tt.want, GetClientIP(r, tt.trustProxy, tt.proxyCount))
		})
	}
}
