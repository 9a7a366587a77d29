package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/shardrelay/changelog"
	"github.com/maxpert/shardrelay/cursor"
	"github.com/maxpert/shardrelay/publisher"
	"github.com/maxpert/shardrelay/telemetry"
	"github.com/maxpert/shardrelay/translate"
	"github.com/rs/zerolog/log"
)

// TailerState is the lifecycle state of a shard tailer
type TailerState uint8

const (
	StateStarting TailerState = iota
	StateActive
	StateDraining
	StateClosed
	StateStopped // Exited on stop or error, may be restarted
)

func (s TailerState) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Publisher submits a shard's events to the bus
type Publisher interface {
	Publish(ctx context.Context, events []changelog.ChangeEvent) (publisher.Result, error)
}

const (
	DefaultPollInterval              = time.Second
	DefaultMaxConsecutiveFetchErrors = 10
	DefaultStallAlert                = 5 * time.Minute
	DefaultShutdownTimeout           = 10 * time.Second
	DefaultPublishBackoffMax         = 30 * time.Second
)

// TailerConfig configures shard tailers
type TailerConfig struct {
	PollInterval              time.Duration // Idle sleep between fetches
	MaxConsecutiveFetchErrors int           // Errors before the tailer exits for restart
	StallAlert                time.Duration // Failing publish duration before alerting
	ShutdownTimeout           time.Duration // Bound on the in-flight publish/checkpoint pair at stop
	PublishBackoffMax         time.Duration // Cap on the pause between exhausted publishes
}

func (c TailerConfig) withDefaults() TailerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxConsecutiveFetchErrors <= 0 {
		c.MaxConsecutiveFetchErrors = DefaultMaxConsecutiveFetchErrors
	}
	if c.StallAlert <= 0 {
		c.StallAlert = DefaultStallAlert
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.PublishBackoffMax <= 0 {
		c.PublishBackoffMax = DefaultPublishBackoffMax
	}
	return c
}

// TailerStatus is a snapshot of a tailer for operators
type TailerStatus struct {
	ShardID      string    `json:"shard_id"`
	ParentID     string    `json:"parent_id,omitempty"`
	State        string    `json:"state"`
	Checkpoint   string    `json:"checkpoint"`
	LastFetched  string    `json:"last_fetched"`
	Pending      int       `json:"pending"`
	Stalled      bool      `json:"stalled"`
	StalledSince time.Time `json:"stalled_since,omitempty"`
	Restarts     int       `json:"restarts"`
}

// item is one fetched record. A nil event means the record was handled
// without publishing (malformed or filtered).
type item struct {
	seq   string
	event *changelog.ChangeEvent
}

// Tailer follows a single shard from its resume point to its end. It owns
// the shard's cursor exclusively.
type Tailer struct {
	desc        changelog.ShardDescriptor
	fromLineage bool
	cursors     *cursor.Manager
	translator  *translate.Translator
	publisher   Publisher
	config      TailerConfig

	mu           sync.Mutex
	state        TailerState
	checkpointed string // Last durable checkpoint
	lastFetched  string
	pending      []item // Fetched but not yet published
	stalledSince time.Time
	alerted      bool
	restarts     int
	opened       bool // A cursor was acquired at least once
}

// NewTailer creates a tailer for desc. fromLineage marks a shard reached
// through its parent's hand-off, which starts at TRIM_HORIZON.
func NewTailer(desc changelog.ShardDescriptor, fromLineage bool, cursors *cursor.Manager,
	translator *translate.Translator, pub Publisher, config TailerConfig) *Tailer {
	return &Tailer{
		desc:        desc,
		fromLineage: fromLineage,
		cursors:     cursors,
		translator:  translator,
		publisher:   pub,
		config:      config.withDefaults(),
		state:       StateStarting,
	}
}

// ShardID returns the tailed shard
func (t *Tailer) ShardID() string {
	return t.desc.ID
}

// Status returns a snapshot of the tailer
func (t *Tailer) Status() TailerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TailerStatus{
		ShardID:      t.desc.ID,
		ParentID:     t.desc.ParentID,
		State:        t.state.String(),
		Checkpoint:   t.checkpointed,
		LastFetched:  t.lastFetched,
		Pending:      len(t.pending),
		Stalled:      t.alerted,
		StalledSince: t.stalledSince,
		Restarts:     t.restarts,
	}
}

// State returns the current lifecycle state
func (t *Tailer) State() TailerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tailer) setState(s TailerState) {
	t.mu.Lock()
	prev := t.state
	t.state = s
	t.mu.Unlock()

	if prev != s {
		log.Debug().
			Str("shard", t.desc.ID).
			Str("from", prev.String()).
			Str("state", s.String()).
			Msg("Tailer state changed")
	}
}

// Run tails the shard until it is drained (nil), ctx is cancelled
// (ctx.Err()) or an unrecoverable error occurs. Run may be called again
// after it returns an error; it resumes from the last checkpoint.
func (t *Tailer) Run(ctx context.Context) error {
	err := t.run(ctx)
	if err != nil {
		t.setState(StateStopped)
		return err
	}
	t.setState(StateClosed)
	return nil
}

func (t *Tailer) run(ctx context.Context) error {
	var (
		cur         changelog.ShardCursor
		fetchErrors int
		errBackoff  = newBackoff(t.config.PollInterval, t.config.PublishBackoffMax)
		pubBackoff  = newBackoff(t.config.PollInterval, t.config.PublishBackoffMax)
	)

	t.mu.Lock()
	t.pending = nil
	t.mu.Unlock()

	// retry counts a failure and waits, or gives up after too many in a row
	retry := func(err error) error {
		fetchErrors++
		if fetchErrors >= t.config.MaxConsecutiveFetchErrors {
			return fmt.Errorf("shard %s: %d consecutive errors: %w", t.desc.ID, fetchErrors, err)
		}
		delay := errBackoff.Next()
		log.Warn().
			Err(err).
			Str("shard", t.desc.ID).
			Int("attempt", fetchErrors).
			Dur("retry_delay", delay).
			Msg("Shard read failed, retrying")
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		return nil
	}

	t.setState(StateStarting)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Pending events from an exhausted publish go first. Nothing is
		// fetched until they are confirmed.
		if t.hasPending() {
			if err := t.flush(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !sleep(ctx, pubBackoff.Next()) {
					return ctx.Err()
				}
				continue
			}
			pubBackoff.Reset()
		}

		switch cur.State {
		case changelog.CursorUnstarted, changelog.CursorExpired:
			opened, err := t.open(ctx)
			if err != nil {
				if rerr := retry(err); rerr != nil {
					return rerr
				}
				continue
			}
			cur = opened
			t.setState(StateActive)
			continue

		case changelog.CursorDrained:
			return t.drain(ctx)
		}

		records, next, err := t.cursors.Fetch(ctx, cur)
		switch {
		case errors.Is(err, changelog.ErrIteratorExpired):
			log.Info().
				Str("shard", t.desc.ID).
				Str("checkpoint", t.checkpoint()).
				Msg("Position token expired, reopening from checkpoint")
			cur = next
			t.setState(StateStarting)
			continue
		case errors.Is(err, changelog.ErrShardClosed):
			return t.drain(ctx)
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if rerr := retry(err); rerr != nil {
				return rerr
			}
			continue
		}

		fetchErrors = 0
		errBackoff.Reset()
		cur = next

		if len(records) == 0 {
			if cur.State == changelog.CursorDrained {
				continue
			}
			if !sleep(ctx, t.config.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		t.mu.Lock()
		t.lastFetched = cur.LastSequence
		t.pending = t.translate(records)
		t.mu.Unlock()

		if err := t.flush(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !sleep(ctx, pubBackoff.Next()) {
				return ctx.Err()
			}
		} else {
			pubBackoff.Reset()
		}
	}
}

// open resolves the resume point and acquires a fresh cursor
func (t *Tailer) open(ctx context.Context) (changelog.ShardCursor, error) {
	t.mu.Lock()
	reopened := t.opened
	t.mu.Unlock()

	hint, cp, found, err := t.cursors.ResumeHint(ctx, t.desc, t.fromLineage, reopened)
	if err != nil {
		return changelog.ShardCursor{}, err
	}

	t.mu.Lock()
	if found {
		t.checkpointed = cp.SequenceNumber
	}
	t.mu.Unlock()

	if found && cp.Drained {
		return changelog.ShardCursor{ShardID: t.desc.ID, State: changelog.CursorDrained}, nil
	}

	cur, err := t.cursors.Open(ctx, t.desc.ID, hint)
	if errors.Is(err, changelog.ErrShardNotFound) {
		// Retention removed the shard; whatever it held is gone
		log.Warn().
			Err(err).
			Str("shard", t.desc.ID).
			Str("checkpoint", t.checkpoint()).
			Msg("Shard no longer in log, completing its lineage")
		return changelog.ShardCursor{ShardID: t.desc.ID, State: changelog.CursorDrained}, nil
	}
	if err == nil {
		t.mu.Lock()
		t.opened = true
		t.mu.Unlock()
	}
	return cur, err
}

// translate maps records to events, skipping malformed and filtered ones
func (t *Tailer) translate(records []changelog.RawChangeRecord) []item {
	items := make([]item, 0, len(records))
	for _, rec := range records {
		ev, err := t.translator.Translate(t.desc.ID, rec)
		switch {
		case errors.Is(err, translate.ErrFiltered):
			telemetry.FilteredRecordsTotal.With(t.desc.ID).Inc()
			items = append(items, item{seq: rec.SequenceNumber})
		case err != nil:
			telemetry.MalformedRecordsTotal.With(t.desc.ID).Inc()
			log.Warn().
				Err(err).
				Str("shard", t.desc.ID).
				Str("seq", rec.SequenceNumber).
				Msg("Skipping malformed record")
			items = append(items, item{seq: rec.SequenceNumber})
		default:
			items = append(items, item{seq: rec.SequenceNumber, event: &ev})
		}
	}
	return items
}

func (t *Tailer) hasPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

func (t *Tailer) checkpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkpointed
}

// flush publishes the pending items and checkpoints the longest handled
// prefix. Items after the first unconfirmed event stay pending. The pair runs
// on a context that survives a stop for the shutdown timeout.
func (t *Tailer) flush(ctx context.Context) error {
	t.mu.Lock()
	items := t.pending
	t.mu.Unlock()
	if len(items) == 0 {
		return nil
	}

	workCtx, cancel := withGrace(ctx, t.config.ShutdownTimeout)
	defer cancel()

	events := make([]changelog.ChangeEvent, 0, len(items))
	for _, it := range items {
		if it.event != nil {
			events = append(events, *it.event)
		}
	}

	var (
		res    publisher.Result
		pubErr error
	)
	if len(events) > 0 {
		res, pubErr = t.publisher.Publish(workCtx, events)
	}
	if pubErr == nil {
		res.Confirmed = len(events)
	}

	// handled is the number of leading items covered by confirmed events
	handled := 0
	confirmed := 0
	for _, it := range items {
		if it.event != nil {
			if confirmed == res.Confirmed {
				break
			}
			confirmed++
		}
		handled++
	}

	if handled > 0 {
		if confirmed > 0 {
			last := events[confirmed-1]
			if !last.ApproximateCreation.IsZero() {
				telemetry.ShardLagSeconds.With(t.desc.ID).Set(time.Since(last.ApproximateCreation).Seconds())
			}
		}
		seq := items[handled-1].seq
		if err := t.cursors.Checkpoint(workCtx, t.desc, seq); err != nil {
			log.Error().
				Err(err).
				Str("shard", t.desc.ID).
				Str("seq", seq).
				Msg("Failed to save checkpoint, records may be redelivered")
		} else {
			t.mu.Lock()
			t.checkpointed = seq
			t.mu.Unlock()
		}
	}

	t.mu.Lock()
	t.pending = items[handled:]
	t.mu.Unlock()

	if pubErr != nil {
		t.noteStall(pubErr)
		return pubErr
	}
	t.clearStall()
	return nil
}

// noteStall tracks how long publishing has been failing and raises the
// operator alert once it passes the threshold
func (t *Tailer) noteStall(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.stalledSince.IsZero() {
		t.stalledSince = now
	}
	stalledFor := now.Sub(t.stalledSince)

	log.Warn().
		Err(err).
		Str("shard", t.desc.ID).
		Int("pending", len(t.pending)).
		Dur("stalled_for", stalledFor).
		Msg("Publish failed, holding checkpoint")

	if !t.alerted && stalledFor >= t.config.StallAlert {
		t.alerted = true
		telemetry.PublishStalled.With(t.desc.ID).Set(1)
		log.Error().
			Err(err).
			Str("shard", t.desc.ID).
			Str("checkpoint", t.checkpointed).
			Dur("stalled_for", stalledFor).
			Msg("Shard publish stalled past alert threshold")
	}
}

func (t *Tailer) clearStall() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stalledSince.IsZero() {
		return
	}
	if t.alerted {
		telemetry.PublishStalled.With(t.desc.ID).Set(0)
		log.Info().
			Str("shard", t.desc.ID).
			Dur("stalled_for", time.Since(t.stalledSince)).
			Msg("Shard publish recovered")
	}
	t.stalledSince = time.Time{}
	t.alerted = false
}

// drain flushes what is left and writes the lineage completion record
func (t *Tailer) drain(ctx context.Context) error {
	t.setState(StateDraining)

	pubBackoff := newBackoff(t.config.PollInterval, t.config.PublishBackoffMax)
	for t.hasPending() {
		if err := t.flush(ctx); err != nil {
			if ctx.Err() != nil || !sleep(ctx, pubBackoff.Next()) {
				return ctx.Err()
			}
		}
	}

	workCtx, cancel := withGrace(ctx, t.config.ShutdownTimeout)
	defer cancel()
	if err := t.cursors.MarkDrained(workCtx, t.desc, t.checkpoint()); err != nil {
		return err
	}
	return nil
}

func (t *Tailer) incRestarts() {
	t.mu.Lock()
	t.restarts++
	t.mu.Unlock()
}
