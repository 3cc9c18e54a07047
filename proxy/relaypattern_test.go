package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesRelayPatternSuffix(t *testing.T) {
	assert.True(t, matchesRelayPattern("torproject.net", "snowflake.torproject.net"))
	assert.True(t, matchesRelayPattern("torproject.net", "torproject.net"))
	assert.False(t, matchesRelayPattern("torproject.net", "torproject.net.evil.com"))
}

func TestMatchesRelayPatternLiteralSuffixNoBoundary(t *testing.T) {
	assert.True(t, matchesRelayPattern("foo", "barfoo"))
}

func TestMatchesRelayPatternExact(t *testing.T) {
	assert.True(t, matchesRelayPattern("^snowflake.torproject.net", "snowflake.torproject.net"))
	assert.False(t, matchesRelayPattern("^snowflake.torproject.net", "other.snowflake.torproject.net"))
}
