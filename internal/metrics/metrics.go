// Package metrics registers the Prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PanicIngest counts ingest attempts by outcome (accepted, duplicate,
	// rate_limited, not_covered, no_subscription, rejected, error).
	PanicIngest = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_panic_ingest_total",
		Help: "Panic request ingest attempts by outcome.",
	}, []string{"outcome"})

	// IngestLatency observes the end-to-end ingest pipeline duration.
	IngestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "haven_panic_ingest_seconds",
		Help:    "Panic ingest pipeline latency.",
		Buckets: prometheus.DefBuckets,
	})

	// AuthFailures counts failed logins by reason (bad_credentials, locked,
	// suspended, banned).
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_auth_failures_total",
		Help: "Failed authentication attempts by reason.",
	}, []string{"reason"})

	// Lockouts counts accounts entering the locked state.
	Lockouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haven_auth_lockouts_total",
		Help: "Accounts locked after repeated failures.",
	})

	// SecurityEvents counts rejected attestations and similar signals.
	SecurityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_security_events_total",
		Help: "Security-relevant rejections by kind.",
	}, []string{"kind"})

	// WebsocketSessions tracks currently connected realtime sessions.
	WebsocketSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "haven_websocket_sessions",
		Help: "Open realtime sessions.",
	})

	// EventsPublished counts bus events by type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_events_published_total",
		Help: "Events published on the internal bus by type.",
	}, []string{"type"})

	// FinesIssued counts abuse-control fines.
	FinesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haven_fines_issued_total",
		Help: "Fines issued by the abuse controls.",
	})

	// SchedulerRuns counts scheduler job executions by job and result.
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_scheduler_runs_total",
		Help: "Scheduler job executions by job and result.",
	}, []string{"job", "result"})
)
