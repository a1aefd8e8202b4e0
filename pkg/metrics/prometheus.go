package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	jobsTotal        *prometheus.CounterVec
	trainingDuration *prometheus.HistogramVec
	invocations      *prometheus.CounterVec
	invocationPoints *prometheus.HistogramVec
	invocationTime   *prometheus.HistogramVec
	cacheTotal       *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	latency          *prometheus.HistogramVec
}

// New creates a recorder registered with the default registerer.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a recorder registered with reg. Collectors that are already
// registered are reused, so building two recorders against one registry is safe.
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Recorder{
		jobsTotal: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aircast_jobs_total",
				Help: "Job state transitions by resource kind and status",
			},
			[]string{"kind", "status"},
		)),
		trainingDuration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aircast_training_duration_seconds",
				Help:    "Wall time of model fitting by engine",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"engine"},
		)),
		invocations: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aircast_invocations_total",
				Help: "Prediction requests served by endpoint",
			},
			[]string{"endpoint"},
		)),
		invocationPoints: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aircast_invocation_points",
				Help:    "Forecast points returned per request",
				Buckets: prometheus.ExponentialBuckets(1, 4, 7),
			},
			[]string{"endpoint"},
		)),
		invocationTime: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aircast_invocation_duration_seconds",
				Help:    "Prediction latency by endpoint",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		)),
		cacheTotal: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aircast_prediction_cache_total",
				Help: "Prediction cache lookups by result",
			},
			[]string{"result"},
		)),
		errorsTotal: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aircast_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		)),
		latency: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aircast_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		)),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// RecordJob counts a job state transition.
func (r *Recorder) RecordJob(kind, status string) {
	r.jobsTotal.WithLabelValues(kind, status).Inc()
}

// RecordTrainingDuration records how long a fit took.
func (r *Recorder) RecordTrainingDuration(engine string, seconds float64) {
	r.trainingDuration.WithLabelValues(engine).Observe(seconds)
}

// RecordInvocation records one prediction request.
func (r *Recorder) RecordInvocation(endpoint string, points int, seconds float64) {
	r.invocations.WithLabelValues(endpoint).Inc()
	r.invocationPoints.WithLabelValues(endpoint).Observe(float64(points))
	r.invocationTime.WithLabelValues(endpoint).Observe(seconds)
}

// RecordCache records a cache hit or miss.
func (r *Recorder) RecordCache(result string) {
	r.cacheTotal.WithLabelValues(result).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// CacheCounter exposes the cache lookup counter for one result label.
func (r *Recorder) CacheCounter(result string) prometheus.Counter {
	return r.cacheTotal.WithLabelValues(result)
}
