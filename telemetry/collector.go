package telemetry

import (
	"sync"
	"time"
)

// RelayStats is a point-in-time view of the relay's shard bookkeeping
type RelayStats struct {
	ActiveTailers int
	KnownShards   int
	DrainedShards int
}

// StatsProvider interface for components that provide relay stats
type StatsProvider interface {
	Stats() RelayStats
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	stats := mc.provider.Stats()
	TailersActive.Set(float64(stats.ActiveTailers))
	ShardsKnown.Set(float64(stats.KnownShards))
	ShardsDrained.Set(float64(stats.DrainedShards))
}
