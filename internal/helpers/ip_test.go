package helpers

import (
	"net"
	"testing"
)

func TestClassifyIP(t *testing.T) {
	tests := []struct {
		addr string
		want IPClassification
	}{
		{"0.0.0.0", IPClassificationUnspecified},
		{"::", IPClassificationUnspecified},
		{"127.0.0.1", IPClassificationLoopback},
		{"127.255.255.254", IPClassificationLoopback},
		{"::1", IPClassificationLoopback},
		{"169.254.169.254", IPClassificationLinkLocal},
		{"fe80::1", IPClassificationLinkLocal},
		{"10.0.0.1", IPClassificationPrivate},
		{"172.16.0.1", IPClassificationPrivate},
		{"192.168.1.1", IPClassificationPrivate},
		{"fc00::1", IPClassificationPrivate},
		{"8.8.8.8", IPClassificationPublic},
		{"2001:4860:4860::8888", IPClassificationPublic},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := ClassifyIP(net.ParseIP(tt.addr)); got != tt.want {
				t.Errorf("ClassifyIP(%s) = %s, want %s", tt.addr, got, tt.want)
			}
		})
	}
}

func TestClassifyNilIP(t *testing.T) {
	if got := ClassifyIP(nil); got != IPClassificationUnspecified {
		t.Errorf("ClassifyIP(nil) = %s, want unspecified", got)
	}
}
