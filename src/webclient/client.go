package webclient

import (
	"crypto/tls"
	"net/http"
	"time"
)

// NewDefault returns an HTTP client with sane timeouts.
func NewDefault(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// NewTLS is NewDefault with control over certificate verification, for
// self-signed control planes such as a stock Proxmox install.
func NewTLS(timeout time.Duration, verify bool) *http.Client {
	c := NewDefault(timeout)
	if verify {
		return c
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via PVE_VERIFY_SSL=false
	c.Transport = tr
	return c
}
