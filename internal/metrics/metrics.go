// Package metrics exposes prometheus collectors for the backup, restore,
// scheduler and incident pipelines.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "backup_orchestrator"

var (
	BackupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backups_total",
		Help:      "Backups finished, by source type and terminal status.",
	}, []string{"source_type", "status"})

	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backup_duration_seconds",
		Help:      "Wall time of backup pipelines.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
	}, []string{"source_type"})

	BackupBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backup_bytes_total",
		Help:      "Bytes uploaded to storage backends.",
	}, []string{"backend"})

	RestoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "restores_total",
		Help:      "Restore operations finished, by source type and terminal status.",
	}, []string{"source_type", "status"})

	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "Verification runs, by outcome.",
	}, []string{"result"})

	IntegrityViolations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "integrity_violations_total",
		Help:      "Checksum mismatches detected on restore or verification.",
	})

	ApprovalDenials = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "approval_denials_total",
		Help:      "Restores rejected by the governance gate.",
	})

	ConcurrencyConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "concurrency_conflicts_total",
		Help:      "Backup requests rejected because the source was already being captured.",
	})

	ScheduledRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduled_runs_total",
		Help:      "Scheduler-triggered backup runs, by outcome.",
	}, []string{"result"})

	BackupsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backups_expired_total",
		Help:      "Backups expired by retention enforcement.",
	})

	SchedulesQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "schedules_queued",
		Help:      "Enabled schedules currently waiting in the scheduler heap.",
	})

	Incidents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "incident_transitions_total",
		Help:      "Incident state transitions, by target status.",
	}, []string{"status"})

	StorageBackendUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "storage_backend_up",
		Help:      "1 when the last health check of a storage backend succeeded, 0 otherwise.",
	}, []string{"backend"})

	StorageHealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_health_checks_total",
		Help:      "Storage backend health checks, by backend and outcome.",
	}, []string{"backend", "result"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped because a subscriber was not keeping up.",
	})
)

// ObserveBackup records the outcome of one backup pipeline.
func ObserveBackup(sourceType, status string, duration time.Duration) {
	BackupsTotal.WithLabelValues(sourceType, status).Inc()
	BackupDuration.WithLabelValues(sourceType).Observe(duration.Seconds())
}

// SetBackendUp records the outcome of one storage health check.
func SetBackendUp(backend string, up bool) {
	result, value := "failure", 0.0
	if up {
		result, value = "success", 1.0
	}
	StorageBackendUp.WithLabelValues(backend).Set(value)
	StorageHealthChecks.WithLabelValues(backend, result).Inc()
}

// Handler serves the default registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer returns an HTTP server exposing /metrics and /healthz on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
