package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurstPerCaller(t *testing.T) {
	rl := NewRateLimiterWithConfig(0, 2, 10, nil)
	defer rl.Stop()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	// One caller exhausting its bucket must not touch another's.
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiterWithConfig(100, 1, 10, nil)
	defer rl.Stop()

	require.True(t, rl.Allow("10.0.0.1"))
	require.False(t, rl.Allow("10.0.0.1"))

	time.Sleep(25 * time.Millisecond)
	assert.True(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiterEvictsColdestAtCapacity(t *testing.T) {
	rl := NewRateLimiterWithConfig(0, 1, 1, nil)
	defer rl.Stop()

	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))

	// Tracking b at capacity 1 evicts a.
	require.True(t, rl.Allow("b"))

	// a returns with a fresh burst, so its old bucket is really gone.
	assert.True(t, rl.Allow("a"))
}

func TestRateLimiterSweepIdle(t *testing.T) {
	rl := NewRateLimiterWithConfig(0, 1, 10, nil)
	defer rl.Stop()

	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))

	rl.SweepIdle(0)
	assert.True(t, rl.Allow("a"))
}
