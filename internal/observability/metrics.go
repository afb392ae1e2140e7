package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	InboundEvents *prometheus.CounterVec
	Turns         *prometheus.CounterVec
	Replies       *prometheus.CounterVec
	StoreErrors   *prometheus.CounterVec
	SendErrors    *prometheus.CounterVec
	TurnDuration  prometheus.Histogram

	stages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg, which lets tests use an
// isolated registry.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		InboundEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Webhook events by message type and classification.",
		}, []string{"type", "result"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Dispatched conversation turns by outcome.",
		}, []string{"outcome"}),
		Replies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Engine replies by delivery route.",
		}, []string{"route"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "State store failures by operation.",
		}, []string{"op"}),
		SendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Outbound transport delivery failures by kind.",
		}, []string{"kind"}),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_ms",
			Help:      "Wall time of a full dispatch in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		stages: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveInbound(msgType, result string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) ObserveTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(float64(d.Milliseconds()))
	m.stages.Observe("turn_total", float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveReply(route string) {
	if m == nil {
		return
	}
	m.Replies.WithLabelValues(route).Inc()
	m.stages.ObserveRoute(route)
}

func (m *Metrics) ObserveStoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveSendError(kind string) {
	if m == nil {
		return
	}
	m.SendErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
