package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTokenExpired(t *testing.T) {
	now := time.Now()

	assert.False(t, IsTokenExpired(time.Time{}), "zero time never expires")
	assert.False(t, IsTokenExpired(now.Add(time.Hour)))
	assert.True(t, IsTokenExpired(now.Add(-time.Hour)))

	// Just past the stamp but inside the skew grace.
	assert.False(t, IsTokenExpired(now.Add(-time.Second)))
}

func TestIsTokenExpiredWithGracePeriod(t *testing.T) {
	now := time.Now()

	assert.True(t, IsTokenExpiredWithGracePeriod(now.Add(-time.Second), 0))
	assert.False(t, IsTokenExpiredWithGracePeriod(now.Add(-time.Second), 10*time.Second))
	assert.False(t, IsTokenExpiredWithGracePeriod(time.Time{}, 0))
}
