package webclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoWithRetry_RetriesTransientStatus(t *testing.T) {
	calls := 0
	status, body, err := DoWithRetry(context.Background(), Policy{Attempts: 3, InitialDelay: time.Millisecond}, func() (int, []byte, error) {
		calls++
		if calls < 3 {
			return 503, nil, nil
		}
		return 200, []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 200, status)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, 3, calls)
}

func TestDoWithRetry_ClientErrorIsFinal(t *testing.T) {
	calls := 0
	status, _, err := DoWithRetry(context.Background(), Policy{Attempts: 5, InitialDelay: time.Millisecond}, func() (int, []byte, error) {
		calls++
		return 400, nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 400, status)
	assert.Equal(t, 1, calls)
}

func TestDoWithRetry_ReturnsLastError(t *testing.T) {
	boom := errors.New("boom")
	_, _, err := DoWithRetry(context.Background(), Policy{Attempts: 2, InitialDelay: time.Millisecond}, func() (int, []byte, error) {
		return 0, nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestDoWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := DoWithRetry(ctx, Policy{Attempts: 3, InitialDelay: time.Hour}, func() (int, []byte, error) {
		return 502, nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransient(t *testing.T) {
	assert.True(t, Transient(429))
	assert.True(t, Transient(502))
	assert.False(t, Transient(402))
	assert.False(t, Transient(200))
}
