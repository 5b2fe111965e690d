// Package api assembles the lease controller: storage, the Proxmox client,
// the payment gate, the HTTP surface and the expiry worker.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/stake-plus/infra402/src/api/config"
	"github.com/stake-plus/infra402/src/api/data"
	"github.com/stake-plus/infra402/src/api/gate"
	"github.com/stake-plus/infra402/src/api/leases"
	"github.com/stake-plus/infra402/src/api/pve"
	"github.com/stake-plus/infra402/src/api/webserver"
	"github.com/stake-plus/infra402/src/api/worker"
	"github.com/stake-plus/infra402/src/api/x402"
	"github.com/stake-plus/infra402/src/logging"
)

const (
	shutdownTimeout = 10 * time.Second
	certCheckEvery  = time.Minute
)

// EIP-712 domain names of USDC per network.
var assetNames = map[string]string{
	"base":         "USD Coin",
	"base-sepolia": "USDC",
}

type Server struct {
	cfg    config.Config
	db     *gorm.DB
	rdb    *redis.Client
	leases *leases.Registry
	pve    *pve.Client
	worker *worker.Worker
	http   *http.Server
	certs  *webserver.TLSReloader
	log    *log.Logger
}

// PVEConfig maps the process config onto the node client's.
func PVEConfig(cfg config.Config) pve.Config {
	return pve.Config{
		Host:         cfg.PVEHost,
		TokenID:      cfg.PVETokenID,
		TokenSecret:  cfg.PVETokenSecret,
		Node:         cfg.PVENode,
		Storage:      cfg.PVEStorage,
		OSTemplate:   cfg.PVEOSTemplate,
		RootPassword: cfg.PVERootPassword,
		VerifySSL:    cfg.PVEVerifySSL,
		User:         cfg.PVEUser,
		Password:     cfg.PVEPassword,
		PollInterval: cfg.TaskPollInterval,
		TaskTimeout:  cfg.TaskTimeout,
	}
}

// Terms are the payment terms every 402 advertises.
func Terms(cfg config.Config) x402.Terms {
	return x402.Terms{
		Network:      cfg.Network,
		PayTo:        cfg.PayTo,
		Asset:        cfg.Asset,
		AssetName:    assetNames[cfg.Network],
		AssetVersion: "2",
	}
}

// OpenStore connects and migrates the lease database.
func OpenStore(cfg config.Config) (*gorm.DB, error) {
	target := cfg.DBPath
	if cfg.DBDriver == "mysql" {
		target = cfg.MySQLDSN
	}
	db, err := data.Open(cfg.DBDriver, target)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DBDriver, err)
	}
	if err := data.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// NewWorker builds the expiry worker over the registry and node client.
func NewWorker(cfg config.Config, reg *leases.Registry, hv *pve.Client) *worker.Worker {
	return worker.New(reg, hv, worker.Options{
		Interval:        cfg.PollInterval,
		MaxStopAttempts: cfg.MaxStopAttempts,
	})
}

func New(cfg config.Config) (*Server, error) {
	s := &Server{cfg: cfg, log: logging.New("infra402")}

	db, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	s.db = db
	s.leases = leases.New(db)
	s.pve = pve.New(PVEConfig(cfg))
	s.worker = NewWorker(cfg, s.leases, s.pve)

	var guard x402.Guard
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.rdb = redis.NewClient(opt)
		guard = x402.NewRedisGuard(s.rdb, 0)
	} else {
		s.log.Printf("REDIS_URL not set, payment replay detection disabled")
	}

	g := gate.New(gate.Options{
		Terms:     Terms(cfg),
		Verifier:  x402.NewFacilitator(cfg.Facilitator, nil),
		Guard:     guard,
		JWTSecret: []byte(cfg.JWTSecret),
	})
	router := webserver.New(webserver.Deps{
		Config: cfg,
		Leases: s.leases,
		PVE:    s.pve,
		Gate:   g,
	})

	s.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if cfg.TLS() {
		s.certs, err = webserver.NewTLSReloader(cfg.SSLCert, cfg.SSLKey)
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		s.http.TLSConfig = s.certs.Config()
	}
	return s, nil
}

// Run serves HTTP and runs the expiry worker until ctx is cancelled, then
// drains both.
func (s *Server) Run(ctx context.Context) error {
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	handle := s.worker.Start(ctx)
	if s.certs != nil {
		go s.certs.Watch(ctx, certCheckEvery)
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if s.certs != nil {
			err = s.http.ListenAndServeTLS("", "")
		} else {
			err = s.http.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	s.log.Printf("listening on %s (tls=%v, network=%s)", s.http.Addr, s.certs != nil, s.cfg.Network)

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http: %w", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutCtx); err != nil {
		s.log.Printf("shutdown: %v", err)
	}
	handle.Stop()
	handle.Wait()
	s.close()
	s.log.Printf("stopped")
	return runErr
}

func (s *Server) close() {
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
