// Package worker periodically brings lease status in line with the clock
// and stops the containers of leases that ran out.
package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/stake-plus/infra402/src/api/leases"
	"github.com/stake-plus/infra402/src/api/metrics"
	"github.com/stake-plus/infra402/src/api/types"
	"github.com/stake-plus/infra402/src/logging"
)

const (
	DefaultInterval        = 60 * time.Second
	DefaultMaxStopAttempts = 10
)

type Store interface {
	Get(ctx context.Context, leaseID string) (types.Lease, error)
	ListAll(ctx context.Context) ([]types.Lease, error)
	PendingStops(ctx context.Context) ([]types.Lease, error)
	MarkExpired(ctx context.Context, leaseID string, now time.Time) (bool, error)
	Reactivate(ctx context.Context, leaseID string, now time.Time) (bool, error)
	RecordStop(ctx context.Context, leaseID string, stopErr error, now time.Time) error
}

// Hypervisor is the part of the Proxmox client the worker needs.
type Hypervisor interface {
	Stop(ctx context.Context, vmid string) (string, error)
	Status(ctx context.Context, vmid string) (map[string]any, error)
}

type Options struct {
	Interval        time.Duration
	MaxStopAttempts int
	Clock           func() time.Time
	Logger          *log.Logger
}

type Worker struct {
	store Store
	hv    Hypervisor
	opts  Options
	log   *log.Logger
}

// Report summarizes one cycle.
type Report struct {
	Checked     int
	Expired     int
	Reactivated int
	Stopped     int
	StopFailed  int
	Retried     int
	Skipped     int // renewed between listing and stopping
	Errors      int
}

func New(store Store, hv Hypervisor, opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxStopAttempts <= 0 {
		opts.MaxStopAttempts = DefaultMaxStopAttempts
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("lease-worker")
	}
	return &Worker{store: store, hv: hv, opts: opts, log: opts.Logger}
}

// Handle controls a running worker.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop asks the loop to exit after the current cycle.
func (h *Handle) Stop() { h.once.Do(h.cancel) }

// Wait blocks until the loop has exited.
func (h *Handle) Wait() { <-h.done }

// Start runs a cycle immediately and then once per interval until ctx is
// cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		w.log.Printf("started, interval %s", w.opts.Interval)
		ticker := time.NewTicker(w.opts.Interval)
		defer ticker.Stop()
		for {
			// a cycle in flight is allowed to finish
			w.RunOnce(context.WithoutCancel(ctx), w.opts.Clock())
			select {
			case <-ctx.Done():
				w.log.Printf("stopped")
				return
			case <-ticker.C:
			}
		}
	}()
	return h
}

// RunOnce performs a single reconciliation pass at now. Errors on one lease
// are logged and counted; the pass moves on to the next.
func (w *Worker) RunOnce(ctx context.Context, now time.Time) Report {
	var rep Report
	defer metrics.WorkerCycles.Inc()

	all, err := w.store.ListAll(ctx)
	if err != nil {
		w.log.Printf("list leases: %v", err)
		rep.Errors++
		return rep
	}

	attempted := make(map[string]bool)
	for _, l := range all {
		rep.Checked++
		expired := leases.IsExpired(l, now)
		switch {
		case l.Status == types.StatusActive && expired:
			changed, err := w.store.MarkExpired(ctx, l.LeaseID, now)
			if err != nil {
				w.log.Printf("lease %s: mark expired: %v", l.LeaseID, err)
				rep.Errors++
				continue
			}
			if !changed {
				continue
			}
			rep.Expired++
			metrics.Leases.WithLabelValues("expired").Inc()
			w.log.Printf("lease %s on CT %s expired, stopping", l.LeaseID, l.CTID)
			attempted[l.LeaseID] = true
			w.stop(ctx, l, 1, now, &rep)

		case l.Status == types.StatusExpired && !expired:
			changed, err := w.store.Reactivate(ctx, l.LeaseID, now)
			if err != nil {
				w.log.Printf("lease %s: reactivate: %v", l.LeaseID, err)
				rep.Errors++
				continue
			}
			if changed {
				rep.Reactivated++
				w.log.Printf("lease %s on CT %s active again", l.LeaseID, l.CTID)
			}
		}
	}

	w.retryStops(ctx, now, attempted, &rep)
	return rep
}

// retryStops re-issues stops that failed on earlier cycles. A container that
// is already stopped counts as done without another stop call.
func (w *Worker) retryStops(ctx context.Context, now time.Time, skip map[string]bool, rep *Report) {
	pending, err := w.store.PendingStops(ctx)
	if err != nil {
		w.log.Printf("list pending stops: %v", err)
		rep.Errors++
		return
	}
	for _, l := range pending {
		if skip[l.LeaseID] || l.StopAttempts >= w.opts.MaxStopAttempts {
			continue
		}
		rep.Retried++
		st, err := w.hv.Status(ctx, l.CTID)
		if err == nil && st["status"] == "stopped" {
			w.record(ctx, l, nil, now, rep)
			continue
		}
		w.stop(ctx, l, l.StopAttempts+1, now, rep)
	}
}

// stop re-reads the lease right before the stop call; the listing it came
// from predates any hypervisor round trip, and a renew may have landed since.
func (w *Worker) stop(ctx context.Context, l types.Lease, attempt int, now time.Time, rep *Report) {
	cur, err := w.store.Get(ctx, l.LeaseID)
	if err != nil {
		w.log.Printf("lease %s: reload before stop: %v", l.LeaseID, err)
		rep.Errors++
		return
	}
	if cur.Status != types.StatusExpired || !cur.StopPending {
		w.log.Printf("lease %s renewed before stop, leaving CT %s running", l.LeaseID, l.CTID)
		rep.Skipped++
		return
	}

	_, err = w.hv.Stop(ctx, l.CTID)
	if err != nil {
		outcome := "failed"
		if logging.IsRateLimit(err) {
			outcome = "throttled"
		}
		w.log.Printf("stop CT %s for lease %s %s (attempt %d/%d): %v",
			l.CTID, l.LeaseID, outcome, attempt, w.opts.MaxStopAttempts, err)
	}
	w.record(ctx, l, err, now, rep)
}

func (w *Worker) record(ctx context.Context, l types.Lease, stopErr error, now time.Time, rep *Report) {
	if stopErr != nil {
		rep.StopFailed++
		metrics.Leases.WithLabelValues("stop_failed").Inc()
	} else {
		rep.Stopped++
		metrics.Leases.WithLabelValues("stopped").Inc()
	}
	if err := w.store.RecordStop(ctx, l.LeaseID, stopErr, now); err != nil {
		w.log.Printf("lease %s: record stop: %v", l.LeaseID, err)
		rep.Errors++
	}
}
