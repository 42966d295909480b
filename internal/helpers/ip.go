package helpers

import "net"

// IPClassification is the security classification of an IP address.
type IPClassification int

const (
	// IPClassificationPublic is a publicly routable address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback is 127.0.0.0/8 or ::1.
	IPClassificationLoopback
	// IPClassificationPrivate is an RFC 1918 or ULA address.
	IPClassificationPrivate
	// IPClassificationLinkLocal is 169.254.0.0/16 or fe80::/10.
	IPClassificationLinkLocal
	// IPClassificationUnspecified is 0.0.0.0 or ::.
	IPClassificationUnspecified
)

// String returns a human-readable name for the classification.
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the security classification of an IP address.
// Link-local matters most here: 169.254.169.254 is the cloud metadata
// service, a classic SSRF target for attacker-supplied redirect URIs.
func ClassifyIP(ip net.IP) IPClassification {
	if ip == nil || ip.IsUnspecified() {
		return IPClassificationUnspecified
	}
	if ip.IsLoopback() {
		return IPClassificationLoopback
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return IPClassificationLinkLocal
	}
	if ip.IsPrivate() {
		return IPClassificationPrivate
	}
	return IPClassificationPublic
}
