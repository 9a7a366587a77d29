package telemetry

import (
	"net/http"

	"github.com/maxpert/shardrelay/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	namespace  = "shardrelay"
	shardLabel = "shard"
)

// registry is nil until InitializeTelemetry enables Prometheus; every
// constructor hands out noops while it is nil.
var registry *prometheus.Registry

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
	SetToCurrentTime()
}

type Histogram interface {
	Observe(float64)
}

// ShardVec hands out the child of a metric partitioned by shard id
type ShardVec[M any] interface {
	With(shard string) M
}

type (
	CounterVec = ShardVec[Counter]
	GaugeVec   = ShardVec[Gauge]
)

// NoopStat satisfies every metric interface and records nothing
type NoopStat struct{}

func (NoopStat) Inc()              {}
func (NoopStat) Dec()              {}
func (NoopStat) Add(float64)       {}
func (NoopStat) Sub(float64)       {}
func (NoopStat) Set(float64)       {}
func (NoopStat) SetToCurrentTime() {}
func (NoopStat) Observe(float64)   {}

type noopVec[M any] struct{ stat M }

func (n noopVec[M]) With(string) M { return n.stat }

type shardVec[M any] struct {
	child func(shard string) M
}

func (v shardVec[M]) With(shard string) M { return v.child(shard) }

// opts names a metric under the relay namespace, tagged with the relay id
func opts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"relay_id": cfg.Config.RelayID},
	}
}

func register[C prometheus.Collector](c C) C {
	registry.MustRegister(c)
	return c
}

func NewCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewCounter(prometheus.CounterOpts(opts(name, help))))
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewGauge(prometheus.GaugeOpts(opts(name, help))))
}

func NewHistogram(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	o := opts(name, help)
	return register(prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   o.Namespace,
		Name:        o.Name,
		Help:        o.Help,
		ConstLabels: o.ConstLabels,
		Buckets:     buckets,
	}))
}

// NewShardCounter creates a counter labelled by shard
func NewShardCounter(name, help string) CounterVec {
	if registry == nil {
		return noopVec[Counter]{stat: NoopStat{}}
	}
	vec := register(prometheus.NewCounterVec(prometheus.CounterOpts(opts(name, help)), []string{shardLabel}))
	return shardVec[Counter]{child: func(shard string) Counter { return vec.WithLabelValues(shard) }}
}

// NewShardGauge creates a gauge labelled by shard
func NewShardGauge(name, help string) GaugeVec {
	if registry == nil {
		return noopVec[Gauge]{stat: NoopStat{}}
	}
	vec := register(prometheus.NewGaugeVec(prometheus.GaugeOpts(opts(name, help)), []string{shardLabel}))
	return shardVec[Gauge]{child: func(shard string) Gauge { return vec.WithLabelValues(shard) }}
}

// InitializeTelemetry creates the Prometheus registry when enabled in config
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	log.Info().Msg("Prometheus metrics enabled on the admin port at /metrics")
}

// GetMetricsHandler returns the HTTP handler for Prometheus metrics, nil
// while Prometheus is disabled
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
