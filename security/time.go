package security

import "time"

// ClockSkewGracePeriod widens expiry checks so a token is not refused over
// ordinary NTP drift between the hub and whatever minted the timestamp. The
// cost is that a credential outlives its stamp by at most this much.
const ClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether expiresAt has passed, allowing the default
// clock-skew grace. A zero time means the credential does not expire.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, ClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod is IsTokenExpired with a caller-chosen grace
// period, for deployments that need the window tighter than the default.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(grace))
}
