package webserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/stake-plus/infra402/src/logging"
)

// TLSReloader serves a certificate pair from disk and picks up renewals
// without a restart.
type TLSReloader struct {
	certFile, keyFile string
	log               *log.Logger

	mu      sync.RWMutex
	cert    *tls.Certificate
	modCert time.Time
	modKey  time.Time
}

func NewTLSReloader(certFile, keyFile string) (*TLSReloader, error) {
	r := &TLSReloader{certFile: certFile, keyFile: keyFile, log: logging.New("tls")}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *TLSReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	modCert, modKey := modTime(r.certFile), modTime(r.keyFile)

	r.mu.Lock()
	r.cert = &cert
	r.modCert, r.modKey = modCert, modKey
	r.mu.Unlock()
	r.log.Printf("certificate loaded from %s", r.certFile)
	return nil
}

// changed reports whether either file is newer than the loaded pair.
func (r *TLSReloader) changed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return modTime(r.certFile).After(r.modCert) || modTime(r.keyFile).After(r.modKey)
}

// Watch polls the files every interval until ctx ends.
func (r *TLSReloader) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !r.changed() {
			continue
		}
		if err := r.reload(); err != nil {
			r.log.Printf("reload failed, keeping previous certificate: %v", err)
		}
	}
}

func (r *TLSReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

func (r *TLSReloader) Config() *tls.Config {
	return &tls.Config{
		GetCertificate: r.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

func modTime(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}
