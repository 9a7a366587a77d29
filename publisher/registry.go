package publisher

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/shardrelay/cfg"
	"github.com/rs/zerolog/log"
)

// SinkFactory is a function that creates a Sink from the bus configuration
type SinkFactory func(cfg.BusConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a bus type
func RegisterSink(busType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[busType] = factory
}

// SinkTypes lists the registered bus types
func SinkTypes() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	types := make([]string, 0, len(sinkFactories))
	for t := range sinkFactories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// CreateSink creates a sink based on the bus configuration
func CreateSink(config cfg.BusConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown bus type: %s", config.Type)
	}

	return factory(config)
}

// NewFromConfig creates the sink for bus and a publisher around it
func NewFromConfig(bus cfg.BusConfiguration, publish cfg.PublishConfiguration) (*Publisher, error) {
	snk, err := CreateSink(bus)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}

	pub, err := New(Config{
		Sink:            snk,
		MaxAttempts:     publish.MaxAttempts,
		RetryInitial:    time.Duration(publish.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(publish.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: publish.RetryMultiplier,
		SubmitTimeout:   time.Duration(publish.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		snk.Close()
		return nil, err
	}

	log.Info().
		Str("type", bus.Type).
		Str("bus", bus.Name).
		Int("max_attempts", pub.config.MaxAttempts).
		Msg("Publisher initialized")

	return pub, nil
}
