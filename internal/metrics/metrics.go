// Package metrics exposes Prometheus instrumentation for the game core.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"spotthebot/internal/fault"
	"spotthebot/internal/kv"
)

var (
	// storeLatency measures how long one store batch takes.
	// Labels: backend (badger, postgres), op (view, update)
	storeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spotthebot",
		Subsystem: "store",
		Name:      "batch_duration_seconds",
		Help:      "Key value store batch latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"backend", "op"})

	// storeErrors counts failed batches.
	// Labels: backend, op, class (unavailable, invariant, invalid, not_found, exists, other)
	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotthebot",
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Failed key value store batches by error class",
	}, []string{"backend", "op", "class"})

	markersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spotthebot",
		Subsystem: "markers",
		Name:      "evicted_total",
		Help:      "Markers removed to keep the store within capacity",
	})

	evictionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spotthebot",
		Subsystem: "markers",
		Name:      "eviction_failures_total",
		Help:      "Evictions after an update that failed and were left to the worker",
	})

	// roundsResolved counts submitted rounds.
	// Labels: outcome (true_positive, true_negative, false_positive, false_negative)
	roundsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spotthebot",
		Subsystem: "rounds",
		Name:      "resolved_total",
		Help:      "Resolved rounds by outcome",
	}, []string{"outcome"})

	roundsPenalized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spotthebot",
		Subsystem: "rounds",
		Name:      "penalized_total",
		Help:      "Rounds started after an abandoned one",
	})

	// httpLatency measures API request handling.
	// Labels: method, route, status
	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spotthebot",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// RecordEviction adds n evicted markers.
func RecordEviction(n int) {
	if n > 0 {
		markersEvicted.Add(float64(n))
	}
}

func RecordEvictionFailure() {
	evictionFailures.Inc()
}

// RecordRound counts one resolved round.
func RecordRound(outcome string) {
	roundsResolved.WithLabelValues(outcome).Inc()
}

// RecordPenalty counts one penalized round start.
func RecordPenalty() {
	roundsPenalized.Inc()
}

// RecordRequest observes one handled HTTP request.
func RecordRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	httpLatency.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// ErrorClass names the fault class of err for metric labels.
func ErrorClass(err error) string {
	switch {
	case fault.IsErrUnavailable(err):
		return "unavailable"
	case fault.IsErrInvariant(err):
		return "invariant"
	case fault.IsErrInvalid(err):
		return "invalid"
	case fault.IsErrNotFound(err):
		return "not_found"
	case fault.IsErrExists(err):
		return "exists"
	default:
		return "other"
	}
}

// Instrument wraps store so every batch is timed and every failure counted
// under the given backend label.
func Instrument(store kv.Store, backend string) kv.Store {
	return &instrumented{Store: store, backend: backend}
}

type instrumented struct {
	kv.Store
	backend string
}

func (s *instrumented) View(ctx context.Context, fn func(r kv.Reader) error) error {
	start := time.Now()
	err := s.Store.View(ctx, fn)
	s.observe("view", start, err)
	return err
}

func (s *instrumented) Update(ctx context.Context, fn func(tx kv.Tx) error) error {
	start := time.Now()
	err := s.Store.Update(ctx, fn)
	s.observe("update", start, err)
	return err
}

func (s *instrumented) observe(op string, start time.Time, err error) {
	storeLatency.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
	if err != nil {
		storeErrors.WithLabelValues(s.backend, op, ErrorClass(err)).Inc()
	}
}
