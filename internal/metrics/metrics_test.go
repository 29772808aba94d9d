package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"magplay/internal/engine"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveResolve("success")
	m.ObserveResolve("success")
	m.ObserveResolve("timeout")
	if got := testutil.ToFloat64(m.Resolves.WithLabelValues("success")); got != 2 {
		t.Fatalf("success resolves = %v", got)
	}

	m.TransferStarted("stream")
	m.TransferStarted("download")
	m.TransferFinished("stream")
	if got := testutil.ToFloat64(m.ActiveTransfers.WithLabelValues("stream")); got != 0 {
		t.Fatalf("active streams = %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveTransfers.WithLabelValues("download")); got != 1 {
		t.Fatalf("active downloads = %v", got)
	}

	m.ObserveEvent(engine.Event{Type: engine.EventProgress})
	if got := testutil.ToFloat64(m.EngineEvents.WithLabelValues(engine.EventProgress.String())); got != 1 {
		t.Fatalf("progress events = %v", got)
	}

	m.ObserveReady(time.Now().Add(-time.Second))
	if n := testutil.CollectAndCount(m.ReadySeconds); n != 1 {
		t.Fatalf("ready histogram series = %d", n)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveResolve("success")
	m.TransferStarted("stream")
	m.ObserveEvent(engine.Event{})
}
