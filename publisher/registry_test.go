package publisher

import (
	"testing"
	"time"

	"github.com/maxpert/shardrelay/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Register a mock bus for tests
	// This avoids import cycle with sink package
	RegisterSink("test-bus", func(config cfg.BusConfiguration) (Sink, error) {
		return newMockSink(), nil
	})
}

func TestCreateSinkUnknownType(t *testing.T) {
	_, err := CreateSink(cfg.BusConfiguration{Type: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestSinkTypes(t *testing.T) {
	assert.Contains(t, SinkTypes(), "test-bus")
}

func TestNewFromConfig(t *testing.T) {
	p, err := NewFromConfig(
		cfg.BusConfiguration{Type: "test-bus", Name: "cdc-bus"},
		cfg.PublishConfiguration{
			MaxAttempts:     7,
			RetryInitialMS:  50,
			RetryMaxMS:      2000,
			RetryMultiplier: 3,
			TimeoutMS:       1500,
		},
	)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, 7, p.config.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, p.config.RetryInitial)
	assert.Equal(t, 2*time.Second, p.config.RetryMax)
	assert.Equal(t, 3.0, p.config.RetryMultiplier)
	assert.Equal(t, 1500*time.Millisecond, p.config.SubmitTimeout)
}

func TestNewFromConfigUnknownBus(t *testing.T) {
	_, err := NewFromConfig(cfg.BusConfiguration{Type: "nope"}, cfg.PublishConfiguration{})
	assert.Error(t, err)
}
