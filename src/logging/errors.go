package logging

import "strings"

// IsRateLimit reports whether err looks like an upstream throttling response.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429")
}

// Truncate shortens an upstream body for log lines and error messages.
func Truncate(body []byte, n int) string {
	s := strings.TrimSpace(string(body))
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
