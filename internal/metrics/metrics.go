package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the sync engine collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	eventsFolded       *prometheus.CounterVec
	checkpointsWritten *prometheus.CounterVec
	foldErrors         *prometheus.CounterVec
	transportErrors    prometheus.Counter
	liveApps           prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = newMetrics()
		prometheus.MustRegister(
			metrics.eventsFolded,
			metrics.checkpointsWritten,
			metrics.foldErrors,
			metrics.transportErrors,
			metrics.liveApps,
		)
	})
	return metrics
}

func newMetrics() *Metrics {
	return &Metrics{
		eventsFolded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wrapper_sync_events_folded_total",
			Help: "Events folded into app state",
		}, []string{"app"}),
		checkpointsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wrapper_sync_checkpoints_written_total",
			Help: "Sync checkpoints persisted to the cache",
		}, []string{"app"}),
		foldErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wrapper_sync_fold_errors_total",
			Help: "Events skipped because the reducer failed",
		}, []string{"app"}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wrapper_sync_transport_errors_total",
			Help: "Chain transport failures that ended an event stream",
		}),
		liveApps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wrapper_sync_live_apps",
			Help: "Apps whose historical replay has completed",
		}),
	}
}

// EventFolded increments the folded events counter for app.
func (m *Metrics) EventFolded(app string) {
	if m != nil {
		m.eventsFolded.WithLabelValues(app).Inc()
	}
}

// CheckpointWritten increments the checkpoint counter for app.
func (m *Metrics) CheckpointWritten(app string) {
	if m != nil {
		m.checkpointsWritten.WithLabelValues(app).Inc()
	}
}

// FoldError increments the reducer failure counter for app.
func (m *Metrics) FoldError(app string) {
	if m != nil {
		m.foldErrors.WithLabelValues(app).Inc()
	}
}

// TransportError increments the transport failure counter.
func (m *Metrics) TransportError() {
	if m != nil {
		m.transportErrors.Inc()
	}
}

// AppLive moves the live apps gauge by +1 (live) or -1 (left live).
func (m *Metrics) AppLive(live bool) {
	if m == nil {
		return
	}
	if live {
		m.liveApps.Inc()
	} else {
		m.liveApps.Dec()
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
