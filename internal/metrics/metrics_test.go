package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := newMetrics()

	m.EventFolded("forum")
	m.EventFolded("forum")
	m.FoldError("forum")
	m.CheckpointWritten("forum")
	m.TransportError()
	m.AppLive(true)
	m.AppLive(true)
	m.AppLive(false)

	if got := testutil.ToFloat64(m.eventsFolded.WithLabelValues("forum")); got != 2 {
		t.Fatalf("events folded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.foldErrors.WithLabelValues("forum")); got != 1 {
		t.Fatalf("fold errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.checkpointsWritten.WithLabelValues("forum")); got != 1 {
		t.Fatalf("checkpoints = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.transportErrors); got != 1 {
		t.Fatalf("transport errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.liveApps); got != 1 {
		t.Fatalf("live apps = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EventFolded("forum")
	m.CheckpointWritten("forum")
	m.FoldError("forum")
	m.TransportError()
	m.AppLive(true)
}
