package ebox

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "ebox"

// Metrics holds the optional Prometheus instrumentation for ebox
// operations. An Ebox or Stream with no Metrics attached (or a nil
// *Metrics passed to SetMetrics) records into unregistered no-op
// vectors, so a library consumer that never calls NewMetrics needs no
// setup for instrumentation.
type Metrics struct {
	sealTotal      *prometheus.CounterVec
	unsealTotal    *prometheus.CounterVec
	unlockTotal    *prometheus.CounterVec
	recoverTotal   *prometheus.CounterVec
	challengeTotal *prometheus.CounterVec
	streamChunks   *prometheus.CounterVec
	operationTime  *prometheus.HistogramVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// DefaultMetrics returns a process-wide Metrics instance registered
// against the default Prometheus registerer, created once.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics registers a fresh set of ebox metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sealTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "seal_total",
			Help:      "Ebox creations, by outcome.",
		}, []string{"outcome"}),
		unsealTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unseal_total",
			Help:      "Sealed-box unseal attempts, by outcome.",
		}, []string{"outcome"}),
		unlockTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unlock_total",
			Help:      "Primary unlock attempts, by outcome.",
		}, []string{"outcome"}),
		recoverTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recover_total",
			Help:      "Recovery completion attempts, by outcome.",
		}, []string{"outcome"}),
		challengeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "challenge_total",
			Help:      "Challenge/response events, by stage and outcome.",
		}, []string{"stage", "outcome"}),
		streamChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stream_chunks_total",
			Help:      "Stream chunks processed, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		operationTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_seconds",
			Help:      "Latency of ebox operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// nopMetrics is returned by Ebox.metrics()/Stream.metrics() when no
// Metrics was attached, so call sites never need a nil check. Its
// vectors are unregistered (they share no registry with DefaultMetrics)
// but otherwise real, so WithLabelValues arity still matches each
// field's labels.
var nopMetrics = &Metrics{
	sealTotal:      noopCounterVec("outcome"),
	unsealTotal:    noopCounterVec("outcome"),
	unlockTotal:    noopCounterVec("outcome"),
	recoverTotal:   noopCounterVec("outcome"),
	challengeTotal: noopCounterVec("stage", "outcome"),
	streamChunks:   noopCounterVec("mode", "outcome"),
	operationTime:  noopHistogramVec("operation"),
}

func noopCounterVec(labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ebox_noop"}, labels)
}

func noopHistogramVec(labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "ebox_noop_seconds"}, labels)
}

// SetMetrics attaches m to e; subsequent operations record against it.
func (e *Ebox) SetMetrics(m *Metrics) { e.met = m }

func (e *Ebox) metrics() *Metrics {
	if e.met == nil {
		return nopMetrics
	}
	return e.met
}
