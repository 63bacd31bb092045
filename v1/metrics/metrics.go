// Package metrics exposes Prometheus collectors for the lock service.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter counts finished acquisition calls by outcome
	// (acquired, exhausted, cancelled).
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterlock_acquire_total",
		Help: "Total number of Lock and TryLock calls by outcome",
	}, []string{"outcome"})
	// ContentionCounter counts rounds lost to another holder.
	ContentionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clusterlock_contention_total",
		Help: "Total number of acquisition rounds that found the lock held",
	})
	// StoreErrorCounter counts store failures by operation.
	StoreErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterlock_store_errors_total",
		Help: "Total number of store failures by operation",
	}, []string{"op"})
	// ReleaseCounter counts Unlock calls that reached the store.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clusterlock_release_total",
		Help: "Total number of successful Unlock calls",
	})
	// WakeupCounter counts waiters woken by a release notification.
	WakeupCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clusterlock_wakeup_total",
		Help: "Total number of waiters resolved by release notifications",
	})
	// WaitingGauge reports the number of names with local waiters.
	WaitingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clusterlock_waiting",
		Help: "Current number of lock names with registered waiters",
	})
	// AcquireLatency observes the time from the first round to acquisition.
	AcquireLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "clusterlock_acquire_seconds",
		Help:    "Time spent acquiring locks",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock service metrics on the provided
// registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		ContentionCounter,
		StoreErrorCounter,
		ReleaseCounter,
		WakeupCounter,
		WaitingGauge,
		AcquireLatency,
	)
}
