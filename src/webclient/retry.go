package webclient

import (
	"context"
	"net/http"
	"time"
)

type AttemptFunc func() (status int, body []byte, err error)

// Policy bounds DoWithRetry. Zero values pick the defaults below.
type Policy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (p Policy) normalize() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Transient reports whether an HTTP status is worth another attempt.
func Transient(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// DoWithRetry retries fn on transport errors and transient statuses with
// exponential backoff. The last attempt's result is returned as-is.
func DoWithRetry(ctx context.Context, p Policy, fn AttemptFunc) (int, []byte, error) {
	p = p.normalize()
	delay := p.InitialDelay
	for i := 0; ; i++ {
		status, body, err := fn()
		if err == nil && !Transient(status) {
			return status, body, nil
		}
		if i == p.Attempts-1 {
			return status, body, err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return status, body, ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
