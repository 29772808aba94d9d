package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"magplay/internal/engine"
)

const namespace = "magplay"

// Metrics groups the collectors exported at /metrics.
type Metrics struct {
	Resolves        *prometheus.CounterVec
	ActiveTransfers *prometheus.GaugeVec
	ReadySeconds    prometheus.Histogram
	EngineEvents    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil registerer
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolves_total",
			Help:      "Magnet resolutions by outcome.",
		}, []string{"outcome"}),
		ActiveTransfers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transfers",
			Help:      "Transfers currently running, by mode.",
		}, []string{"mode"}),
		ReadySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_ready_seconds",
			Help:      "Time from stream start until the selected file became playable.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		EngineEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_events_total",
			Help:      "Events received from the torrent engine, by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.Resolves, m.ActiveTransfers, m.ReadySeconds, m.EngineEvents)
	}
	return m
}

func (m *Metrics) ObserveResolve(outcome string) {
	if m == nil {
		return
	}
	m.Resolves.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TransferStarted(mode string) {
	if m == nil {
		return
	}
	m.ActiveTransfers.WithLabelValues(mode).Inc()
}

func (m *Metrics) TransferFinished(mode string) {
	if m == nil {
		return
	}
	m.ActiveTransfers.WithLabelValues(mode).Dec()
}

func (m *Metrics) ObserveReady(since time.Time) {
	if m == nil {
		return
	}
	m.ReadySeconds.Observe(time.Since(since).Seconds())
}

// ObserveEvent is shaped to plug into session.Config.Observer.
func (m *Metrics) ObserveEvent(ev engine.Event) {
	if m == nil {
		return
	}
	m.EngineEvents.WithLabelValues(ev.Type.String()).Inc()
}
