package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SourceConfiguration selects the upstream change log
type SourceConfiguration struct {
	Type      string `toml:"type"`   // "dynamodb"
	LogID     string `toml:"log_id"` // Table name or stream ARN
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"` // Custom endpoint (e.g. LocalStack)
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret"`
}

// RelayConfiguration controls shard tailing
type RelayConfiguration struct {
	PollIntervalMS            int    `toml:"poll_interval_ms"`            // Idle sleep between fetches
	MaxBatchSize              int    `toml:"max_batch_size"`              // Records per fetch (<= 1000)
	InitialPosition           string `toml:"initial_position"`            // TRIM_HORIZON or LATEST for unseen open shards
	RediscoverIntervalSeconds int    `toml:"rediscover_interval_seconds"` // Periodic topology re-listing (0 = off)
	PublishStallAlertSeconds  int    `toml:"publish_stall_alert_seconds"` // Failing publish duration before alerting
	TopologyRetryInitialMS    int    `toml:"topology_retry_initial_ms"`
	TopologyRetryMaxMS        int    `toml:"topology_retry_max_ms"`
	MaxConsecutiveFetchErrors int    `toml:"max_consecutive_fetch_errors"` // Before a tailer exits for restart
	RestartBackoffMS          int    `toml:"restart_backoff_ms"`           // Initial tailer restart delay
	ShutdownTimeoutMS         int    `toml:"shutdown_timeout_ms"`          // Bound on the final publish/checkpoint pair
}

// PublishConfiguration controls bus retry behavior
type PublishConfiguration struct {
	MaxAttempts     int     `toml:"max_attempts"`
	RetryInitialMS  int     `toml:"retry_initial_ms"`
	RetryMaxMS      int     `toml:"retry_max_ms"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
	TimeoutMS       int     `toml:"timeout_ms"` // Per submission
}

// BusConfiguration selects the downstream bus. Name is the bus target: the
// EventBridge bus, Kafka topic, NATS subject or AMQP routing key.
type BusConfiguration struct {
	Type       string   `toml:"type"` // eventbridge, kafka, nats, amqp
	Name       string   `toml:"name"`
	Source     string   `toml:"source"`
	DetailType string   `toml:"detail_type"`
	Region     string   `toml:"region"`
	Endpoint   string   `toml:"endpoint"`
	Brokers    []string `toml:"brokers"`
	NatsURL    string   `toml:"nats_url"`
	AMQPURL    string   `toml:"amqp_url"`
	Exchange   string   `toml:"exchange"`
}

// FilterConfiguration limits which records are relayed
type FilterConfiguration struct {
	Keys  []string `toml:"keys"`  // Glob patterns over the rendered record key
	Kinds []string `toml:"kinds"` // CREATE, UPDATE, DELETE
}

// CheckpointConfiguration selects checkpoint persistence
type CheckpointConfiguration struct {
	Type          string `toml:"type"` // memory, pebble, sql, redis
	SQLDriver     string `toml:"sql_driver"`
	SQLDSN        string `toml:"sql_dsn"`
	Table         string `toml:"table"`
	RedisAddr     string `toml:"redis_addr"`
	RedisDB       int    `toml:"redis_db"`
	RedisPassword string `toml:"redis_password"`
	KeyPrefix     string `toml:"key_prefix"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the operator HTTP endpoints
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Bearer token for /shards and /checkpoints, empty = open
}

// Configuration is the main configuration structure
type Configuration struct {
	RelayID string `toml:"relay_id"`
	DataDir string `toml:"data_dir"`

	Source     SourceConfiguration     `toml:"source"`
	Relay      RelayConfiguration      `toml:"relay"`
	Publish    PublishConfiguration    `toml:"publish"`
	Bus        BusConfiguration        `toml:"bus"`
	Filter     FilterConfiguration     `toml:"filter"`
	Checkpoint CheckpointConfiguration `toml:"checkpoint"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	LogIDFlag      = flag.String("log-id", "", "Change log table name or stream ARN (overrides config)")
	BusTypeFlag    = flag.String("bus-type", "", "Bus type (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = DefaultConfiguration()

// DefaultConfiguration returns a configuration populated with defaults
func DefaultConfiguration() *Configuration {
	return &Configuration{
		RelayID: "", // Auto-generate
		DataDir: "./shardrelay-data",

		Source: SourceConfiguration{
			Type: "dynamodb",
		},

		Relay: RelayConfiguration{
			PollIntervalMS:            1000,
			MaxBatchSize:              100,
			InitialPosition:           "LATEST",
			RediscoverIntervalSeconds: 60,
			PublishStallAlertSeconds:  300,
			TopologyRetryInitialMS:    500,
			TopologyRetryMaxMS:        30000,
			MaxConsecutiveFetchErrors: 10,
			RestartBackoffMS:          1000,
			ShutdownTimeoutMS:         10000,
		},

		Publish: PublishConfiguration{
			MaxAttempts:     5,
			RetryInitialMS:  100,
			RetryMaxMS:      30000,
			RetryMultiplier: 2.0,
			TimeoutMS:       10000,
		},

		Bus: BusConfiguration{
			Type:       "eventbridge",
			Name:       "cdc-bus",
			Source:     "myorg.entity-x",
			DetailType: "Entity Change",
		},

		Checkpoint: CheckpointConfiguration{
			Type:      "pebble",
			SQLDriver: "sqlite3",
			Table:     "shardrelay_checkpoints",
			KeyPrefix: "shardrelay",
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "0.0.0.0",
			Port:        8090,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *LogIDFlag != "" {
		Config.Source.LogID = *LogIDFlag
	}
	if *BusTypeFlag != "" {
		Config.Bus.Type = *BusTypeFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate relay ID if not set
	if Config.RelayID == "" {
		Config.RelayID = generateRelayID()
		log.Info().Str("relay_id", Config.RelayID).Msg("Auto-generated relay ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateRelayID derives a stable id from the machine id, falling back to
// the hostname on hosts without one
func generateRelayID() string {
	id, err := machineid.ProtectedID("shardrelay")
	if err != nil {
		log.Warn().Err(err).Msg("Machine ID unavailable, deriving relay ID from hostname")
		id, _ = os.Hostname()
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return strconv.FormatUint(h.Sum64(), 16)
}

var (
	validSourceTypes     = map[string]bool{"dynamodb": true}
	validBusTypes        = map[string]bool{"eventbridge": true, "kafka": true, "nats": true, "amqp": true}
	validCheckpointTypes = map[string]bool{"memory": true, "pebble": true, "sql": true, "redis": true}
	validKinds           = map[string]bool{"CREATE": true, "UPDATE": true, "DELETE": true, "INSERT": true, "MODIFY": true, "REMOVE": true}
)

// Validate checks the configuration for invalid values
func Validate() error {
	if !validSourceTypes[Config.Source.Type] {
		return fmt.Errorf("unknown source type: %s", Config.Source.Type)
	}
	if Config.Source.LogID == "" {
		return fmt.Errorf("source log_id is required")
	}

	// Relay
	if Config.Relay.PollIntervalMS < 1 {
		return fmt.Errorf("poll interval must be >= 1ms")
	}
	if Config.Relay.MaxBatchSize < 1 || Config.Relay.MaxBatchSize > 1000 {
		return fmt.Errorf("max batch size must be between 1 and 1000, got %d", Config.Relay.MaxBatchSize)
	}
	switch strings.ToUpper(Config.Relay.InitialPosition) {
	case "TRIM_HORIZON", "LATEST":
	default:
		return fmt.Errorf("invalid initial position: %s (want TRIM_HORIZON or LATEST)", Config.Relay.InitialPosition)
	}
	if Config.Relay.RediscoverIntervalSeconds < 0 {
		return fmt.Errorf("rediscover interval must be >= 0")
	}
	if Config.Relay.PublishStallAlertSeconds < 1 {
		return fmt.Errorf("publish stall alert must be >= 1 second")
	}
	if Config.Relay.TopologyRetryInitialMS < 1 || Config.Relay.TopologyRetryMaxMS < Config.Relay.TopologyRetryInitialMS {
		return fmt.Errorf("topology retry must satisfy 1 <= initial <= max")
	}
	if Config.Relay.MaxConsecutiveFetchErrors < 1 {
		return fmt.Errorf("max consecutive fetch errors must be >= 1")
	}
	if Config.Relay.RestartBackoffMS < 1 {
		return fmt.Errorf("restart backoff must be >= 1ms")
	}

	// Publish
	if Config.Publish.MaxAttempts < 1 {
		return fmt.Errorf("publish max attempts must be >= 1")
	}
	if Config.Publish.RetryInitialMS < 1 || Config.Publish.RetryMaxMS < Config.Publish.RetryInitialMS {
		return fmt.Errorf("publish retry must satisfy 1 <= initial <= max")
	}
	if Config.Publish.RetryMultiplier < 1 {
		return fmt.Errorf("publish retry multiplier must be >= 1")
	}
	if Config.Publish.TimeoutMS < 1 {
		return fmt.Errorf("publish timeout must be >= 1ms")
	}

	// Bus
	if !validBusTypes[Config.Bus.Type] {
		return fmt.Errorf("unknown bus type: %s", Config.Bus.Type)
	}
	if Config.Bus.Name == "" {
		return fmt.Errorf("bus name is required")
	}
	switch Config.Bus.Type {
	case "kafka":
		if len(Config.Bus.Brokers) == 0 {
			return fmt.Errorf("kafka bus requires brokers")
		}
	case "nats":
		if Config.Bus.NatsURL == "" {
			return fmt.Errorf("nats bus requires nats_url")
		}
	case "amqp":
		if Config.Bus.AMQPURL == "" {
			return fmt.Errorf("amqp bus requires amqp_url")
		}
	}

	for _, kind := range Config.Filter.Kinds {
		if !validKinds[strings.ToUpper(kind)] {
			return fmt.Errorf("invalid filter kind: %s", kind)
		}
	}

	// Checkpoint
	if !validCheckpointTypes[Config.Checkpoint.Type] {
		return fmt.Errorf("unknown checkpoint type: %s", Config.Checkpoint.Type)
	}
	switch Config.Checkpoint.Type {
	case "sql":
		if Config.Checkpoint.SQLDriver != "sqlite3" && Config.Checkpoint.SQLDriver != "mysql" {
			return fmt.Errorf("invalid sql driver: %s", Config.Checkpoint.SQLDriver)
		}
		if Config.Checkpoint.SQLDSN == "" {
			return fmt.Errorf("sql checkpoint store requires sql_dsn")
		}
	case "redis":
		if Config.Checkpoint.RedisAddr == "" {
			return fmt.Errorf("redis checkpoint store requires redis_addr")
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}
