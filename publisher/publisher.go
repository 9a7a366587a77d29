package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/shardrelay/changelog"
	"github.com/maxpert/shardrelay/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default number of submissions before a batch is reported exhausted
	DefaultMaxAttempts = 5
	// Default initial retry delay for failed entries
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Default timeout of a single bus submission
	DefaultSubmitTimeout = 10 * time.Second
)

// Config configures a Publisher
type Config struct {
	Sink            Sink          // Destination bus
	MaxAttempts     int           // Submissions per Publish call before giving up
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	SubmitTimeout   time.Duration // Timeout of one Submit call
}

// Publisher is the Batch Publisher. It is safe for concurrent use by every
// tailer; the sink connection is shared.
type Publisher struct {
	config Config
}

// New creates a publisher
func New(config Config) (*Publisher, error) {
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier < 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = DefaultSubmitTimeout
	}

	return &Publisher{config: config}, nil
}

// Close closes the underlying sink
func (p *Publisher) Close() error {
	return p.config.Sink.Close()
}

// Publish submits events in order and retries rejected entries with
// exponential backoff. Each retry resubmits everything from the first
// rejected entry onwards, so entries after it may be delivered twice but are
// never delivered ahead of it.
//
// Result.Confirmed is always the length of the accepted prefix, also when an
// error is returned. A cancelled ctx stops retrying and returns ctx.Err().
func (p *Publisher) Publish(ctx context.Context, events []changelog.ChangeEvent) (Result, error) {
	if len(events) == 0 {
		return Result{}, nil
	}

	entries := make([]Entry, len(events))
	for i, ev := range events {
		entry, err := Encode(ev)
		if err != nil {
			return Result{}, err
		}
		entries[i] = entry
	}

	started := time.Now()
	defer func() {
		telemetry.PublishDurationSeconds.Observe(time.Since(started).Seconds())
	}()

	var (
		result  Result
		start   = 0
		delay   = p.config.RetryInitial
		lastErr error
	)

	// confirm grows the accepted prefix to end
	confirm := func(end int) {
		for _, entry := range entries[start:end] {
			result.Accepted = append(result.Accepted, entry.IdempotencyKey)
			telemetry.EventsPublishedTotal.With(entry.ShardID).Inc()
		}
		start = end
		result.Confirmed = end
	}

	for attempt := 1; ; attempt++ {
		firstFailed, failed, err := p.submit(ctx, entries[start:])
		if firstFailed < 0 {
			confirm(len(entries))
			return result, nil
		}

		confirm(start + firstFailed)
		lastErr = err
		if lastErr == nil {
			lastErr = failed[firstFailed]
		}
		result.Failed = failedKeys(entries[start:], failed[firstFailed:], err != nil)

		if attempt >= p.config.MaxAttempts {
			telemetry.PublishExhaustedTotal.With(entries[start].ShardID).Inc()
			return result, &ExhaustedError{
				Attempts: attempt,
				Failed:   result.Failed,
				Last:     lastErr,
			}
		}

		log.Warn().
			Err(lastErr).
			Str("shard", entries[start].ShardID).
			Str("first_failed", entries[start].IdempotencyKey).
			Int("failed", len(result.Failed)).
			Int("attempt", attempt).
			Dur("retry_delay", delay).
			Msg("Bus rejected entries, retrying")

		if !sleep(ctx, delay) {
			return result, ctx.Err()
		}

		// Exponential backoff
		delay = time.Duration(float64(delay) * p.config.RetryMultiplier)
		if delay > p.config.RetryMax {
			delay = p.config.RetryMax
		}
	}
}

// submit sends one attempt. It returns the index of the first rejected entry
// (-1 when all were accepted), the per-entry results and the call error.
func (p *Publisher) submit(ctx context.Context, entries []Entry) (int, []error, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.config.SubmitTimeout)
	defer cancel()

	results, err := p.config.Sink.Submit(callCtx, entries)
	if err == nil && len(results) != len(entries) {
		err = fmt.Errorf("sink returned %d results for %d entries", len(results), len(entries))
	}
	if err != nil {
		for _, entry := range entries {
			telemetry.PublishFailuresTotal.With(entry.ShardID).Inc()
		}
		return 0, nil, err
	}

	firstFailed := -1
	for i, rerr := range results {
		if rerr == nil {
			continue
		}
		telemetry.PublishFailuresTotal.With(entries[i].ShardID).Inc()
		if firstFailed < 0 {
			firstFailed = i
		}
	}
	return firstFailed, results, nil
}

func failedKeys(entries []Entry, results []error, all bool) []string {
	keys := make([]string, 0, len(entries))
	for i, entry := range entries {
		if all || (i < len(results) && results[i] != nil) {
			keys = append(keys, entry.IdempotencyKey)
		}
	}
	return keys
}

// IsExhausted reports whether err came from running out of publish attempts
func IsExhausted(err error) bool {
	return errors.Is(err, changelog.ErrPublishExhausted)
}

// sleep waits for d or until ctx is done. Returns true if the sleep completed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
