// Package metrics exposes Prometheus collectors for the expression engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cortex_expression"

// Metrics groups every collector on one registry. It satisfies the engine
// and idle observer interfaces.
type Metrics struct {
	Registry *prometheus.Registry

	ComposeTotal    *prometheus.CounterVec
	Revision        prometheus.Gauge
	SinkErrors      *prometheus.CounterVec
	FrameDuration   prometheus.Histogram
	IntentsApplied  *prometheus.CounterVec
	IntentsRejected *prometheus.CounterVec
	IdleState       prometheus.Gauge
	IdleTransitions *prometheus.CounterVec
	IdleExpressions *prometheus.CounterVec
	LookArounds     prometheus.Counter
	RuntimeFailures *prometheus.CounterVec
	LipSyncTicks    prometheus.Counter
	Blinks          prometheus.Counter
	ActiveSessions  prometheus.Gauge
	RendererClients prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		ComposeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compose_total",
			Help:      "Compose calls, by whether the cached frame was returned",
		}, []string{"cached"}),
		Revision: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "composition_revision",
			Help:      "Revision of the most recently composed frame",
		}),
		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Channel writes the avatar sink rejected",
		}, []string{"channel"}),
		FrameDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_apply_duration_seconds",
			Help:      "Time spent pushing one composed frame to the sink",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05},
		}),
		IntentsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_applied_total",
			Help:      "Expression intents written to the composition",
		}, []string{"source", "category"}),
		IntentsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_rejected_total",
			Help:      "Expression intents refused by validation or priority",
		}, []string{"source", "reason"}),
		IdleState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "idle",
			Help:      "1 while the user is idle",
		}),
		IdleTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_transitions_total",
			Help:      "Idle/active transitions",
		}, []string{"to"}),
		IdleExpressions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_expressions_total",
			Help:      "Idle expressions applied",
		}, []string{"expression"}),
		LookArounds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "look_arounds_total",
			Help:      "Random look-around targets issued",
		}),
		RuntimeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_failures_total",
			Help:      "Recovered failures during autonomous operation",
		}, []string{"op"}),
		LipSyncTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lipsync_ticks_total",
			Help:      "Mouth shapes written by the lip-sync driver",
		}),
		Blinks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blinks_total",
			Help:      "Blinks performed",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Running sessions",
		}),
		RendererClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "renderer_clients",
			Help:      "Connected websocket renderers",
		}),
	}
}

func (m *Metrics) Composed(revision uint64, cached bool) {
	if cached {
		m.ComposeTotal.WithLabelValues("true").Inc()
		return
	}
	m.ComposeTotal.WithLabelValues("false").Inc()
	m.Revision.Set(float64(revision))
}

func (m *Metrics) SinkFailed(channel string) {
	m.SinkErrors.WithLabelValues(channel).Inc()
}

// ObserveFrame records how long one ApplyToAvatar took.
func (m *Metrics) ObserveFrame(d time.Duration) {
	m.FrameDuration.Observe(d.Seconds())
}

func (m *Metrics) IntentApplied(source, category string) {
	m.IntentsApplied.WithLabelValues(source, category).Inc()
}

func (m *Metrics) IntentRejected(source, reason string) {
	m.IntentsRejected.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) IdleChanged(idle bool) {
	if idle {
		m.IdleState.Set(1)
		m.IdleTransitions.WithLabelValues("idle").Inc()
		return
	}
	m.IdleState.Set(0)
	m.IdleTransitions.WithLabelValues("active").Inc()
}

func (m *Metrics) IdleExpression(name string) {
	m.IdleExpressions.WithLabelValues(name).Inc()
}

func (m *Metrics) LookAround() {
	m.LookArounds.Inc()
}

func (m *Metrics) RuntimeFailure(op string) {
	m.RuntimeFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) LipSyncTick(string) {
	m.LipSyncTicks.Inc()
}

func (m *Metrics) Blink() {
	m.Blinks.Inc()
}
