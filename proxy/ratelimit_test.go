package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullRateLimiterNeverLimits(t *testing.T) {
	l := newRateLimiter(&Config{RateLimitBytesPerSecond: 0})
	l.Update(1 << 30)
	assert.False(t, l.IsLimited())
	assert.Equal(t, time.Duration(0), l.When())
}

func TestTokenBucketGatesSecondChunk(t *testing.T) {
	// capacity 1000 bytes, window 1s: two 800 byte sends should not both
	// be immediately permitted.
	l := newTokenBucketRateLimiter(1000, 1.0)
	fixedNow := time.Now()
	l.now = func() time.Time { return fixedNow }

	require.False(t, l.IsLimited())
	l.Update(800)

	assert.True(t, l.IsLimited(), "second 800 byte chunk should be gated")
	assert.Greater(t, l.When(), time.Duration(0))

	// Advance past the window; the first event ages out and capacity frees.
	fixedNow = fixedNow.Add(1100 * time.Millisecond)
	assert.False(t, l.IsLimited())
	assert.Equal(t, time.Duration(0), l.When())
}

func TestTokenBucketWhenTracksOldestEvent(t *testing.T) {
	l := newTokenBucketRateLimiter(100, 1.0)
	fixedNow := time.Now()
	l.now = func() time.Time { return fixedNow }

	l.Update(100)
	assert.True(t, l.IsLimited())

	wait := l.When()
	assert.LessOrEqual(t, wait, time.Second)
	assert.Greater(t, wait, time.Duration(0))
}

func TestConfigRejectsRateLimitBelowFloor(t *testing.T) {
	c := DefaultConfig()
	c.RateLimitBytesPerSecond = minRateLimitBytesPerSecond - 1
	err := c.Validate()
	require.Error(t, err)
}
