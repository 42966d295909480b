package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP resolves the originating client address for audit events and
// rate limiting.
//
// With trustProxy off the TCP peer is the answer. With it on, the rightmost
// trustedProxyCount entries of X-Forwarded-For belong to our own proxy tier
// and the entry just left of them is the client; X-Real-IP covers proxies
// that set only that header. Both headers are trivially forged by a direct
// caller, so trustProxy must stay off unless a proxy is actually in front.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := forwardedClientIP(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedClientIP picks the client entry out of an X-Forwarded-For list.
// The header reads "client, hop-n, ..., hop-1" with our proxies appended
// rightmost, so the client sits trustedProxyCount entries from the end. A
// zero count is treated as one proxy; a list too short to index that far
// falls back to its leftmost entry.
func forwardedClientIP(header string, trustedProxyCount int) string {
	if header == "" {
		return ""
	}

	hops := strings.Split(header, ",")
	if trustedProxyCount < 1 {
		trustedProxyCount = 1
	}
	idx := len(hops) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	candidate := strings.TrimSpace(hops[idx])
	if net.ParseIP(candidate) == nil {
		return ""
	}
	return candidate
}
