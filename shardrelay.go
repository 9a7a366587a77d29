package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/maxpert/shardrelay/admin"
	"github.com/maxpert/shardrelay/cfg"
	"github.com/maxpert/shardrelay/changelog"
	"github.com/maxpert/shardrelay/changelog/dynamostreams"
	"github.com/maxpert/shardrelay/checkpoint"
	"github.com/maxpert/shardrelay/cursor"
	"github.com/maxpert/shardrelay/publisher"
	_ "github.com/maxpert/shardrelay/publisher/sink"
	"github.com/maxpert/shardrelay/relay"
	"github.com/maxpert/shardrelay/shard"
	"github.com/maxpert/shardrelay/telemetry"
	"github.com/maxpert/shardrelay/translate"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("relay_id", cfg.Config.RelayID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("ShardRelay - change log to event bus relay")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Upstream change log
	log.Info().Str("log", cfg.Config.Source.LogID).Msg("Connecting to change log")
	source, err := dynamostreams.NewFromOptions(ctx, dynamostreams.Options{
		Region:    cfg.Config.Source.Region,
		Endpoint:  cfg.Config.Source.Endpoint,
		AccessKey: cfg.Config.Source.AccessKey,
		SecretKey: cfg.Config.Source.SecretKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create change log source")
	}

	shards, err := shard.NewStore(source, cfg.Config.Source.LogID, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create shard store")
	}

	// Checkpoints
	store, err := openCheckpointStore(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open checkpoint store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close checkpoint store")
		}
	}()

	initial, err := changelog.ParseStartPosition(cfg.Config.Relay.InitialPosition)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid initial position")
	}
	cursors, err := cursor.NewManager(cursor.Config{
		LogID:           cfg.Config.Source.LogID,
		Source:          source,
		Store:           store,
		BatchSize:       cfg.Config.Relay.MaxBatchSize,
		InitialPosition: initial,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create cursor manager")
	}

	// Translation
	var filter translate.Filter
	if len(cfg.Config.Filter.Keys) > 0 || len(cfg.Config.Filter.Kinds) > 0 {
		globs, err := translate.NewGlobFilter(cfg.Config.Filter.Keys, cfg.Config.Filter.Kinds)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid record filter")
		}
		filter = globs
	}
	translator := translate.New(cfg.Config.Bus.Source, cfg.Config.Bus.DetailType, filter)

	// Bus
	pub, err := publisher.NewFromConfig(cfg.Config.Bus, cfg.Config.Publish)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize publisher")
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close bus sink")
		}
	}()

	scheduler, err := relay.NewScheduler(schedulerConfig(shards, cursors, translator, pub))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create relay scheduler")
	}
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start relay scheduler")
	}

	collector := telemetry.NewMetricsCollector(scheduler, 10*time.Second)
	collector.Start()

	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		handlers := admin.NewHandlers(cfg.Config.RelayID, scheduler, store)
		adminServer = admin.NewServer(
			cfg.Config.Admin.BindAddress,
			cfg.Config.Admin.Port,
			admin.NewRouter(handlers, cfg.Config.Admin.Secret),
		)
		if err := adminServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
		}
	}

	log.Info().
		Str("log", cfg.Config.Source.LogID).
		Str("bus_type", cfg.Config.Bus.Type).
		Str("bus", cfg.Config.Bus.Name).
		Str("checkpoints", cfg.Config.Checkpoint.Type).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Relay is operational")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case <-scheduler.Done():
		log.Warn().Msg("Relay scheduler exited")
	}

	scheduler.Stop()
	collector.Stop()
	if adminServer != nil {
		adminServer.Stop(5 * time.Second)
	}
	log.Info().Msg("ShardRelay stopped")
}

func openCheckpointStore(ctx context.Context) (checkpoint.Store, error) {
	c := cfg.Config.Checkpoint
	return checkpoint.Open(ctx, checkpoint.Options{
		Type:          c.Type,
		DataDir:       filepath.Join(cfg.Config.DataDir, "checkpoints"),
		SQLDriver:     c.SQLDriver,
		SQLDSN:        c.SQLDSN,
		Table:         c.Table,
		RedisAddr:     c.RedisAddr,
		RedisDB:       c.RedisDB,
		RedisPassword: c.RedisPassword,
		KeyPrefix:     c.KeyPrefix,
	})
}

func schedulerConfig(shards *shard.Store, cursors *cursor.Manager, translator *translate.Translator, pub *publisher.Publisher) relay.Config {
	r := cfg.Config.Relay
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }

	rediscover := time.Duration(r.RediscoverIntervalSeconds) * time.Second
	if r.RediscoverIntervalSeconds == 0 {
		rediscover = -1
	}

	return relay.Config{
		Shards:     shards,
		Cursors:    cursors,
		Translator: translator,
		Publisher:  pub,
		Tailer: relay.TailerConfig{
			PollInterval:              ms(r.PollIntervalMS),
			MaxConsecutiveFetchErrors: r.MaxConsecutiveFetchErrors,
			StallAlert:                time.Duration(r.PublishStallAlertSeconds) * time.Second,
			ShutdownTimeout:           ms(r.ShutdownTimeoutMS),
			PublishBackoffMax:         ms(cfg.Config.Publish.RetryMaxMS),
		},
		RediscoverInterval:   rediscover,
		TopologyRetryInitial: ms(r.TopologyRetryInitialMS),
		TopologyRetryMax:     ms(r.TopologyRetryMaxMS),
		RestartBackoff:       ms(r.RestartBackoffMS),
	}
}
