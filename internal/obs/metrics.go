// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsIntercepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_intercepted_total",
		Help: "Total number of inbound requests matched to a queue route",
	}, []string{"queue"})
	RequestsFallenBack = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_fallback_total",
		Help: "Total number of inbound requests served synchronously via fallback",
	}, []string{"reason"})
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_jobs_enqueued_total",
		Help: "Total number of jobs enqueued per queue",
	}, []string{"queue"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_jobs_completed_total",
		Help: "Total number of jobs that finished dispatch",
	}, []string{"queue", "outcome"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_jobs_retried_total",
		Help: "Total number of job dispatch retries scheduled",
	}, []string{"queue"})
	JobDispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_job_dispatch_duration_seconds",
		Help:    "Histogram of downstream dispatch durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_queue_length",
		Help: "Current length of a queue's waiting list",
	}, []string{"queue"})
	QueueDelayedLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_queue_delayed_length",
		Help: "Current size of a queue's delayed retry set",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"subject"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_circuit_breaker_trips_total",
		Help: "Count of times a circuit breaker transitioned to Open",
	}, []string{"subject"})
	ReaperRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_reaper_recovered_total",
		Help: "Total number of jobs recovered by the reaper from stalled processing lists",
	}, []string{"queue"})
	WorkerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_worker_active",
		Help: "Number of active worker goroutines per queue",
	}, []string{"queue"})
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_hits_total",
		Help: "Total number of response cache hits",
	}, []string{"queue"})
	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_misses_total",
		Help: "Total number of response cache misses",
	}, []string{"queue"})
	PushSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_push_subscribers",
		Help: "Number of live websocket push connections",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsIntercepted, RequestsFallenBack, JobsEnqueued, JobsCompleted, JobsRetried,
		JobDispatchDuration, QueueLength, QueueDelayedLength, CircuitBreakerState,
		CircuitBreakerTrips, ReaperRecovered, WorkerActive, CacheHits, CacheMisses, PushSubscribers,
	)
}
