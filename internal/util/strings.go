package util

// SafeTruncate truncates s to at most maxLen characters without panicking.
// Used when logging token material, where only a short prefix may appear.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
