// Package metrics exposes EpochBus scheduler and transport statistics in the
// Prometheus exposition format.
//
// # Series
//
//	epochbus_queue_length{scheduler,strategy}             gauge
//	epochbus_queue_wait_seconds{scheduler}                histogram
//	epochbus_processing_seconds{scheduler,label}          histogram
//	epochbus_messages_processed_total{scheduler,label}    counter
//	epochbus_messages_published_total{transport}          counter
//	epochbus_http_requests_total{method,path,status}      counter
//	epochbus_http_request_duration_seconds{method,path}   histogram
//
// Scheduler series only exist between the sink's Start and Stop calls. The
// label dimension is client-controlled, so each sink exports a bounded number
// of distinct values (see WithMaxLabels) and folds the rest into OverflowLabel.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "epochbus"

const (
	// DefaultMaxLabels caps distinct label values per scheduler.
	DefaultMaxLabels = 100

	// OverflowLabel replaces label values beyond the cap.
	OverflowLabel = "_overflow"
)

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all EpochBus application metrics on a private
// prometheus.Registry, so tests and multiple servers in one process never
// collide on the global default registry.
type Registry struct {
	reg       *prometheus.Registry
	maxLabels int

	queueLength  *prometheus.GaugeVec
	queueWait    *prometheus.HistogramVec
	processing   *prometheus.HistogramVec
	processed    *prometheus.CounterVec
	published    *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxLabels caps the distinct label values each scheduler exports.
// Values below 1 are ignored.
func WithMaxLabels(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxLabels = n
		}
	}
}

// NewRegistry creates a Registry with every EpochBus collector plus the Go
// runtime and process collectors registered.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		reg:       prometheus.NewRegistry(),
		maxLabels: DefaultMaxLabels,
		queueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Messages with no affinity waiting for their group",
		}, []string{"scheduler", "strategy"}),
		queueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time between publish and dispatch",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"scheduler"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_seconds",
			Help:      "Time spent in the consumer callback",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scheduler", "label"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Messages that left the default queue and completed",
		}, []string{"scheduler", "label"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages accepted for publishing by transport",
		}, []string{"transport"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, path and status code",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	r.reg.MustRegister(
		r.queueLength,
		r.queueWait,
		r.processing,
		r.processed,
		r.published,
		r.httpRequests,
		r.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler returns an http.Handler serving every registered series.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// ObservePublished counts one message accepted by transport ("http", "ws").
func (r *Registry) ObservePublished(transport string, n int) {
	r.published.WithLabelValues(transport).Add(float64(n))
}

// ObserveHTTP records one served request.
func (r *Registry) ObserveHTTP(method, path string, status int, d time.Duration) {
	r.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// ─── SchedulerSink ────────────────────────────────────────────────────────────

// SchedulerSink reports one scheduler's queue statistics. It satisfies
// scheduler.Sink.
type SchedulerSink struct {
	r        *Registry
	name     string
	strategy string

	queue prometheus.Gauge
	wait  prometheus.Observer

	mu     sync.Mutex
	labels map[string]struct{} // label values seen, for cleanup on Stop
}

// Scheduler returns a sink for the named scheduler. Nothing is exported until
// the scheduler calls Start.
func (r *Registry) Scheduler(name, strategy string) *SchedulerSink {
	return &SchedulerSink{
		r:        r,
		name:     name,
		strategy: strategy,
		labels:   make(map[string]struct{}),
	}
}

// Start creates the scheduler's series.
func (s *SchedulerSink) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = s.r.queueLength.WithLabelValues(s.name, s.strategy)
	s.wait = s.r.queueWait.WithLabelValues(s.name)
}

// Stop removes every series this sink created.
func (s *SchedulerSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.r.queueLength.DeleteLabelValues(s.name, s.strategy)
	s.r.queueWait.DeleteLabelValues(s.name)
	for label := range s.labels {
		s.r.processing.DeleteLabelValues(s.name, label)
		s.r.processed.DeleteLabelValues(s.name, label)
	}
	clear(s.labels)
	s.queue, s.wait = nil, nil
}

func (s *SchedulerSink) ReportQueueLength(delta int) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q != nil {
		q.Add(float64(delta))
	}
}

func (s *SchedulerSink) RecordMessageDequeued(enqueuedAt time.Time) time.Time {
	now := time.Now()
	s.mu.Lock()
	w := s.wait
	s.mu.Unlock()
	if w != nil {
		w.Observe(now.Sub(enqueuedAt).Seconds())
	}
	return now
}

func (s *SchedulerSink) RecordMessageProcessed(dequeuedAt time.Time, label string) {
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	if _, seen := s.labels[label]; !seen {
		if len(s.labels) >= s.r.maxLabels {
			label = OverflowLabel
		}
		s.labels[label] = struct{}{}
	}
	s.mu.Unlock()

	s.r.processing.WithLabelValues(s.name, label).Observe(time.Since(dequeuedAt).Seconds())
	s.r.processed.WithLabelValues(s.name, label).Inc()
}
