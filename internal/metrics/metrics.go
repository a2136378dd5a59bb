// Package metrics exposes Prometheus instrumentation for the queue runtime.
// The Recorder satisfies both the queue lifecycle recorder and the storage
// metrics hook, so one registry covers the whole pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder aggregates queue and storage observations on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	enqueued  *prometheus.CounterVec
	acked     *prometheus.CounterVec
	nacked    *prometheus.CounterVec
	replayed  *prometheus.CounterVec
	reclaimed *prometheus.CounterVec
	handler   *prometheus.HistogramVec

	storageWrite  prometheus.Histogram
	storageRead   prometheus.Histogram
	storageCommit prometheus.Histogram
}

// New builds a Recorder with its own registry, including the standard Go and
// process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Recorder{
		registry: reg,
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_messages_enqueued_total",
			Help: "Messages accepted into a queue.",
		}, []string{"queue", "type"}),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_messages_acked_total",
			Help: "Messages completed and removed.",
		}, []string{"queue"}),
		nacked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_messages_nacked_total",
			Help: "Failed deliveries, split by whether the failure dead-lettered the message.",
		}, []string{"queue", "dead_lettered"}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_dlq_replayed_total",
			Help: "Dead-letter entries replayed back into their queue.",
		}, []string{"queue"}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_leases_reclaimed_total",
			Help: "Expired leases returned to availability by the sweeper.",
		}, []string{"queue"}),
		handler: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courier_handler_duration_seconds",
			Help:    "Handler execution time by message type and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue", "type", "outcome"}),
		storageWrite: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_storage_write_seconds",
			Help:    "Point-write latency against the backing store.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		storageRead: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_storage_read_seconds",
			Help:    "Point-read latency against the backing store.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		storageCommit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_storage_batch_commit_seconds",
			Help:    "Batch commit latency against the backing store.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
	}
	reg.MustRegister(
		r.enqueued, r.acked, r.nacked, r.replayed, r.reclaimed, r.handler,
		r.storageWrite, r.storageRead, r.storageCommit,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// queue.Recorder implementation.

func (r *Recorder) Enqueued(queue, typ string) {
	r.enqueued.WithLabelValues(queue, typ).Inc()
}

func (r *Recorder) Acked(queue string) {
	r.acked.WithLabelValues(queue).Inc()
}

func (r *Recorder) Nacked(queue string, deadLettered bool) {
	r.nacked.WithLabelValues(queue, strconv.FormatBool(deadLettered)).Inc()
}

func (r *Recorder) Replayed(queue string) {
	r.replayed.WithLabelValues(queue).Inc()
}

func (r *Recorder) Reclaimed(queue string, n int) {
	r.reclaimed.WithLabelValues(queue).Add(float64(n))
}

func (r *Recorder) HandlerDuration(queue, typ string, d time.Duration, outcome string) {
	r.handler.WithLabelValues(queue, typ, outcome).Observe(d.Seconds())
}

// pebblestore.MetricsHook implementation.

func (r *Recorder) ObserveWrite(elapsed time.Duration, bytes int) {
	r.storageWrite.Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveRead(elapsed time.Duration, bytes int) {
	r.storageRead.Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveBatchCommit(elapsed time.Duration, bytes int) {
	r.storageCommit.Observe(elapsed.Seconds())
}
