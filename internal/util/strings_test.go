package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"longer than limit", "very-long-token-abc123", 8, "very-lon"},
		{"shorter than limit", "short", 10, "short"},
		{"exact length", "eight-ch", 8, "eight-ch"},
		{"empty string", "", 5, ""},
		{"zero limit", "anything", 0, ""},
		{"negative limit", "anything", -1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}
