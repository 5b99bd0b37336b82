// Package metrics provides Prometheus metrics for a pool replica store.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all pool metrics.
var Registry = prometheus.NewRegistry()

// PoolMetrics holds all Prometheus metrics for one pool.
// It satisfies repository.Metrics.
type PoolMetrics struct {
	// Space gauges (bytes)
	TotalBytes    prometheus.Gauge
	UsedBytes     prometheus.Gauge
	FreeBytes     prometheus.Gauge
	PreciousBytes prometheus.Gauge
	ReservedBytes prometheus.Gauge

	// Volume gauges, from the filesystem holding the data directory
	VolumeTotalBytes     prometheus.Gauge
	VolumeAvailableBytes prometheus.Gauge

	Entries *prometheus.GaugeVec // labels: state

	// Lifecycle counters
	Events              *prometheus.CounterVec // labels: kind
	EvictedBytes        prometheus.Counter
	ChecksumInvalidated prometheus.Counter

	Healthy prometheus.Gauge // 1 if the last health check passed

	PoolInfo *prometheus.GaugeVec // labels: pool, version
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitPoolMetrics initializes all metrics with the given pool name as a constant label.
func InitPoolMetrics(poolName, version string) *PoolMetrics {
	constLabels := prometheus.Labels{
		"pool": poolName,
	}

	m := &PoolMetrics{
		TotalBytes: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dcache_pool_space_total_bytes",
			Help:        "Configured pool capacity",
			ConstLabels: constLabels,
		}),
		UsedBytes: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dcache_pool_space_used_bytes",
			Help:        "Bytes allocated to replicas and reservations",
			ConstLabels: constLabels,
		}),
		FreeBytes: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dcache_pool_space_free_bytes",
			Help:        "Unallocated bytes (negative while overbooked)",
			ConstLabels: constLabels,
		}),
		PreciousBytes: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dcache_pool_space_precious_bytes",
			Help:        "Bytes held by precious replicas",
			ConstLabels: constLabels,
		}),
		ReservedBytes: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dcache_pool_space_reserved_bytes",
			Help:        "Bytes held by the space reservation",
			ConstLabels: constLabels,
		}),

		VolumeTotalBytes: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dcache_pool_volume_total_bytes",
			Help:        "Size of the filesystem holding the data directory",
			ConstLabels: constLabels,
		}),
		VolumeAvailableBytes: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dcache_pool_volume_available_bytes",
			Help:        "Bytes available on the filesystem holding the data directory",
			ConstLabels: constLabels,
		}),

		Entries: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "dcache_pool_entries",
			Help:        "Number of replicas per state",
			ConstLabels: constLabels,
		}, []string{"state"}),

		Events: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "dcache_pool_events_total",
			Help:        "Replica lifecycle events by kind",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		EvictedBytes: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "dcache_pool_recovery_evicted_bytes_total",
			Help:        "Bytes evicted by recovery to resolve overbooking",
			ConstLabels: constLabels,
		}),
		ChecksumInvalidated: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "dcache_pool_checksum_invalidated_total",
			Help:        "Writes whose on-the-fly checksum was invalidated",
			ConstLabels: constLabels,
		}),

		Healthy: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "dcache_pool_healthy",
			Help:        "Whether the last health check passed (1) or not (0)",
			ConstLabels: constLabels,
		}),

		PoolInfo: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "dcache_pool_info",
			Help: "Pool information (value is always 1)",
		}, []string{"pool", "version"}),
	}

	m.PoolInfo.WithLabelValues(poolName, version).Set(1)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *PoolMetrics) SetSpace(total, used, free, precious, reserved int64) {
	m.TotalBytes.Set(float64(total))
	m.UsedBytes.Set(float64(used))
	m.FreeBytes.Set(float64(free))
	m.PreciousBytes.Set(float64(precious))
	m.ReservedBytes.Set(float64(reserved))
}

func (m *PoolMetrics) SetEntries(state string, n int) {
	m.Entries.WithLabelValues(state).Set(float64(n))
}

func (m *PoolMetrics) IncEvent(kind string) {
	m.Events.WithLabelValues(kind).Inc()
}

func (m *PoolMetrics) AddEvicted(bytes int64) {
	m.EvictedBytes.Add(float64(bytes))
}

func (m *PoolMetrics) IncChecksumInvalidated() {
	m.ChecksumInvalidated.Inc()
}

// SetHealthy records the outcome of a health check.
func (m *PoolMetrics) SetHealthy(ok bool) {
	if ok {
		m.Healthy.Set(1)
	} else {
		m.Healthy.Set(0)
	}
}
