package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mschirtzinger/replica/internal/replica/sync"
)

var (
	// Replica Metrics
	SyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_syncs_total",
		Help: "The total number of sync calls by result",
	}, []string{"result"})
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "replica_sync_duration_seconds",
		Help:    "Duration of a full pull+push exchange",
		Buckets: prometheus.DefBuckets,
	})
	PulledRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_pulled_records_total",
		Help: "The total number of records pulled from the remote",
	}, []string{"collection"})
	PushedRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_pushed_records_total",
		Help: "The total number of records pushed to the remote",
	}, []string{"collection"})
	KeptLocalTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replica_kept_local_total",
		Help: "The total number of pulled updates skipped for a newer local edit",
	})
	ConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replica_conflicts_total",
		Help: "The total number of records rejected by the remote as conflicting",
	})

	// Server Metrics
	ServerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replica_server_requests_total",
		Help: "The total number of sync requests served by endpoint and status code",
	}, []string{"endpoint", "code"})
	ServerRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replica_server_request_latency_seconds",
		Help:    "Latency of sync requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
	ServerAcceptedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replica_server_accepted_records_total",
		Help: "The total number of pushed records accepted",
	})
	ServerConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replica_server_conflicts_total",
		Help: "The total number of pushes rejected with a conflict",
	})
)

// Observer records sync reports as Prometheus metrics.
type Observer struct{}

func (Observer) OnSyncComplete(report *sync.Report) {
	SyncsTotal.WithLabelValues("ok").Inc()
	SyncDuration.Observe(report.Duration.Seconds())
	for collection, n := range report.Pulled {
		PulledRecordsTotal.WithLabelValues(collection).Add(float64(n))
	}
	for collection, n := range report.Pushed {
		PushedRecordsTotal.WithLabelValues(collection).Add(float64(n))
	}
	KeptLocalTotal.Add(float64(report.Applied.Kept))
}

func (Observer) OnSyncError(err error, report *sync.Report) {
	SyncsTotal.WithLabelValues(Result(err)).Inc()
	if report != nil {
		SyncDuration.Observe(report.Duration.Seconds())
		ConflictsTotal.Add(float64(len(report.ConflictIDs)))
	}
}

// Result names the outcome of a sync for the result label.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, sync.ErrTransport):
		return "transport_error"
	case errors.Is(err, sync.ErrConflict):
		return "conflict"
	case errors.Is(err, sync.ErrSchema):
		return "schema_error"
	case errors.Is(err, sync.ErrApply):
		return "apply_error"
	default:
		return "error"
	}
}
