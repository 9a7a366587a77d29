package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PublishBuckets for bus submissions (network round trip plus retries)
	PublishBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Log read metrics
var (
	// RecordsFetchedTotal counts raw records read from the log by shard
	RecordsFetchedTotal CounterVec = noopVec[Counter]{stat: NoopStat{}}

	// IteratorExpiredTotal counts position tokens that aged out, by shard
	IteratorExpiredTotal CounterVec = noopVec[Counter]{stat: NoopStat{}}

	// TopologyErrorsTotal counts failed topology listings
	TopologyErrorsTotal Counter = NoopStat{}

	// ShardLagSeconds tracks the age of the newest published record by shard
	ShardLagSeconds GaugeVec = noopVec[Gauge]{stat: NoopStat{}}
)

// Translation metrics
var (
	// MalformedRecordsTotal counts records skipped as malformed, by shard
	MalformedRecordsTotal CounterVec = noopVec[Counter]{stat: NoopStat{}}

	// FilteredRecordsTotal counts records dropped by the key/kind filter, by shard
	FilteredRecordsTotal CounterVec = noopVec[Counter]{stat: NoopStat{}}
)

// Publish metrics
var (
	// EventsPublishedTotal counts events accepted by the bus, by shard
	EventsPublishedTotal CounterVec = noopVec[Counter]{stat: NoopStat{}}

	// PublishFailuresTotal counts rejected bus entries (before retry), by shard
	PublishFailuresTotal CounterVec = noopVec[Counter]{stat: NoopStat{}}

	// PublishExhaustedTotal counts publish calls that ran out of retries, by shard
	PublishExhaustedTotal CounterVec = noopVec[Counter]{stat: NoopStat{}}

	// PublishDurationSeconds measures one publish call including retries
	PublishDurationSeconds Histogram = NoopStat{}

	// PublishStalled is 1 while a shard has been failing to publish past the alert threshold
	PublishStalled GaugeVec = noopVec[Gauge]{stat: NoopStat{}}
)

// Relay lifecycle metrics
var (
	// CheckpointsTotal counts checkpoints written, by shard
	CheckpointsTotal CounterVec = noopVec[Counter]{stat: NoopStat{}}

	// TailersActive tracks running shard tailers
	TailersActive Gauge = NoopStat{}

	// TailerRestartsTotal counts tailers restarted after an unrecoverable error
	TailerRestartsTotal Counter = NoopStat{}

	// ShardsKnown tracks shards present in the last topology listing
	ShardsKnown Gauge = NoopStat{}

	// ShardsDrained tracks shards with a lineage completion record
	ShardsDrained Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Log read metrics
	RecordsFetchedTotal = NewShardCounter(
		"records_fetched_total",
		"Raw change records read from the log",
	)
	IteratorExpiredTotal = NewShardCounter(
		"iterator_expired_total",
		"Shard iterators that expired and were reacquired",
	)
	TopologyErrorsTotal = NewCounter(
		"topology_errors_total",
		"Failed log topology listings",
	)
	ShardLagSeconds = NewShardGauge(
		"shard_lag_seconds",
		"Age of the newest published record in seconds",
	)

	// Translation metrics
	MalformedRecordsTotal = NewShardCounter(
		"malformed_records_total",
		"Records skipped because an image required by their kind was missing",
	)
	FilteredRecordsTotal = NewShardCounter(
		"filtered_records_total",
		"Records not relayed because of the key/kind filter",
	)

	// Publish metrics
	EventsPublishedTotal = NewShardCounter(
		"events_published_total",
		"Domain change events accepted by the bus",
	)
	PublishFailuresTotal = NewShardCounter(
		"publish_failures_total",
		"Bus entries rejected, counted per attempt",
	)
	PublishExhaustedTotal = NewShardCounter(
		"publish_exhausted_total",
		"Publish calls that exhausted their retry bound",
	)
	PublishDurationSeconds = NewHistogram(
		"publish_duration_seconds",
		"Publish call duration including retries in seconds",
		PublishBuckets,
	)
	PublishStalled = NewShardGauge(
		"publish_stalled",
		"1 while a shard has failed to publish for longer than the alert threshold",
	)

	// Relay lifecycle metrics
	CheckpointsTotal = NewShardCounter(
		"checkpoints_total",
		"Checkpoints written",
	)
	TailersActive = NewGauge(
		"tailers_active",
		"Number of running shard tailers",
	)
	TailerRestartsTotal = NewCounter(
		"tailer_restarts_total",
		"Shard tailers restarted after exiting with an error",
	)
	ShardsKnown = NewGauge(
		"shards_known",
		"Shards present in the last topology listing",
	)
	ShardsDrained = NewGauge(
		"shards_drained",
		"Shards with a lineage completion record",
	)
}
