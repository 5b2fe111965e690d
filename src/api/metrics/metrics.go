package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

var (
	HypervisorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infra402_hypervisor_requests_total",
			Help: "Proxmox API calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
	HypervisorLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "infra402_hypervisor_request_seconds",
			Help:    "Proxmox API call latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	TaskWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "infra402_task_wait_seconds",
			Help:    "Time spent polling a Proxmox task to completion.",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 180, 300},
		},
	)
	Payments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infra402_payments_total",
			Help: "Admission gate decisions by route and outcome.",
		},
		[]string{"route", "outcome"},
	)
	Leases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infra402_lease_events_total",
			Help: "Lease lifecycle events (created, renewed, expired, stopped, stop_failed).",
		},
		[]string{"event"},
	)
	WorkerCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "infra402_worker_cycles_total",
			Help: "Completed expiry reconciliation cycles.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HypervisorRequests, HypervisorLatency, TaskWait,
		Payments, Leases, WorkerCycles,
	)
}

// ObserveHypervisor records one API call that started at start.
func ObserveHypervisor(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	HypervisorRequests.WithLabelValues(op, outcome).Inc()
	HypervisorLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
