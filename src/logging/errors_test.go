package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRateLimit(t *testing.T) {
	assert.False(t, IsRateLimit(nil))
	assert.True(t, IsRateLimit(errors.New("pve stop: status 429: too many requests")))
	assert.False(t, IsRateLimit(errors.New("connection refused")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate([]byte("  short \n"), 10))
	assert.Equal(t, "abc...", Truncate([]byte("abcdef"), 3))
	assert.Equal(t, "abcdef", Truncate([]byte("abcdef"), 0))
}
