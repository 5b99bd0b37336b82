package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dCache/dcache-sub081/internal/pool/datastore"
)

// Pool is the part of the replica directory the collector polls.
type Pool interface {
	CollectMetrics()
	IsHealthy() bool
}

// HealthListener is told the outcome of each health check.
type HealthListener func(healthy bool)

// Collector periodically collects metrics that are not pushed by the
// directory itself: entry counts, health and volume usage.
type Collector struct {
	metrics *PoolMetrics
	config  CollectorConfig
	logger  zerolog.Logger

	lastHealthy *bool
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Pool    Pool
	DataDir string // empty skips volume stats

	// Volume reads filesystem usage; defaults to datastore.Volume.
	Volume   func(path string) (datastore.VolumeStats, error)
	OnHealth HealthListener
}

// NewCollector creates a new metrics collector.
func NewCollector(m *PoolMetrics, cfg CollectorConfig, logger zerolog.Logger) *Collector {
	if cfg.Volume == nil {
		cfg.Volume = datastore.Volume
	}
	return &Collector{
		metrics: m,
		config:  cfg,
		logger:  logger.With().Str("component", "metrics-collector").Logger(),
	}
}

// Collect updates all metrics from the current state.
func (c *Collector) Collect() {
	c.config.Pool.CollectMetrics()
	c.collectHealth()
	c.collectVolumeStats()
}

func (c *Collector) collectHealth() {
	ok := c.config.Pool.IsHealthy()
	c.metrics.SetHealthy(ok)

	// Only report transitions
	if c.lastHealthy != nil && *c.lastHealthy == ok {
		return
	}
	c.lastHealthy = &ok
	if c.config.OnHealth != nil {
		c.config.OnHealth(ok)
	}
}

func (c *Collector) collectVolumeStats() {
	if c.config.DataDir == "" {
		return
	}
	st, err := c.config.Volume(c.config.DataDir)
	if err != nil {
		c.logger.Debug().Err(err).Str("path", c.config.DataDir).Msg("Volume stats unavailable")
		return
	}
	c.metrics.VolumeTotalBytes.Set(float64(st.Total))
	c.metrics.VolumeAvailableBytes.Set(float64(st.Available))
}

// Run collects once immediately and then every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	c.Collect()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
