// Package cursor owns the per-shard read position: opening position tokens,
// fetching batches, and persisting checkpoints after a confirmed publish.
package cursor

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/shardrelay/changelog"
	"github.com/maxpert/shardrelay/checkpoint"
	"github.com/maxpert/shardrelay/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultBatchSize is the number of records requested per fetch
	DefaultBatchSize = 100
	// MaxBatchSize is the largest fetch the log accepts
	MaxBatchSize = 1000
)

// Config configures a Manager
type Config struct {
	LogID           string
	Source          changelog.Source
	Store           checkpoint.Store
	BatchSize       int                     // Records per fetch
	InitialPosition changelog.StartPosition // Policy for open root shards never seen before
}

// Manager is the Cursor Manager. It holds no per-shard state; every cursor
// is owned by the tailer that opened it.
type Manager struct {
	logID     string
	source    changelog.Source
	store     checkpoint.Store
	batchSize int
	initial   changelog.StartPosition
}

// NewManager creates a cursor manager
func NewManager(config Config) (*Manager, error) {
	if config.LogID == "" {
		return nil, fmt.Errorf("log id is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("log source is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BatchSize > MaxBatchSize {
		config.BatchSize = MaxBatchSize
	}
	if config.InitialPosition == changelog.PositionAfter {
		return nil, fmt.Errorf("initial position must be TRIM_HORIZON or LATEST")
	}

	return &Manager{
		logID:     config.LogID,
		source:    config.Source,
		store:     config.Store,
		batchSize: config.BatchSize,
		initial:   config.InitialPosition,
	}, nil
}

// Store returns the checkpoint store backing the manager
func (m *Manager) Store() checkpoint.Store {
	return m.store
}

// ResumeHint decides where a shard is opened. A checkpoint resumes just after
// the last published sequence. Without one, closed shards, shards reached
// through lineage and shards being reopened start at TRIM_HORIZON so nothing
// is skipped. Only the first open of an open root shard follows the
// configured initial policy. The loaded checkpoint is returned so callers can
// detect drained shards.
func (m *Manager) ResumeHint(ctx context.Context, desc changelog.ShardDescriptor, fromLineage, reopened bool) (changelog.StartHint, checkpoint.Checkpoint, bool, error) {
	cp, found, err := m.store.Load(ctx, desc.ID)
	if err != nil {
		return changelog.StartHint{}, checkpoint.Checkpoint{}, false, fmt.Errorf("failed to load checkpoint for %s: %w", desc.ID, err)
	}

	switch {
	case found && cp.SequenceNumber != "":
		return changelog.After(cp.SequenceNumber), cp, true, nil
	case found, !desc.IsOpen(), fromLineage, reopened:
		return changelog.TrimHorizon(), cp, found, nil
	default:
		return changelog.StartHint{Position: m.initial}, cp, false, nil
	}
}

// Open establishes a fresh position token for a shard
func (m *Manager) Open(ctx context.Context, shardID string, hint changelog.StartHint) (changelog.ShardCursor, error) {
	token, err := m.source.GetIterator(ctx, m.logID, shardID, hint)
	if err != nil {
		return changelog.ShardCursor{ShardID: shardID, State: changelog.CursorUnstarted},
			fmt.Errorf("failed to open cursor on %s at %s: %w", shardID, hint, err)
	}

	cur := changelog.ShardCursor{
		ShardID: shardID,
		Token:   token,
		State:   changelog.CursorActive,
	}
	if hint.Position == changelog.PositionAfter {
		cur.LastSequence = hint.Sequence
	}

	log.Debug().
		Str("shard", shardID).
		Str("hint", hint.String()).
		Msg("Opened shard cursor")
	return cur, nil
}

// Fetch pulls the next batch and returns the cursor that replaces cur. Zero
// records with a nil error means the shard is idle. ErrIteratorExpired means
// the shard must be reopened from its checkpoint; ErrShardClosed means every
// record of a closed shard has been returned.
func (m *Manager) Fetch(ctx context.Context, cur changelog.ShardCursor) ([]changelog.RawChangeRecord, changelog.ShardCursor, error) {
	switch cur.State {
	case changelog.CursorDrained:
		return nil, cur, fmt.Errorf("%w: %s", changelog.ErrShardClosed, cur.ShardID)
	case changelog.CursorUnstarted, changelog.CursorExpired:
		return nil, cur, fmt.Errorf("cursor on %s is %s", cur.ShardID, cur.State)
	}

	batch, err := m.source.GetRecords(ctx, cur.Token, m.batchSize)
	if err != nil {
		if errors.Is(err, changelog.ErrIteratorExpired) {
			telemetry.IteratorExpiredTotal.With(cur.ShardID).Inc()
			expired := cur
			expired.Token = ""
			expired.State = changelog.CursorExpired
			return nil, expired, err
		}
		return nil, cur, fmt.Errorf("failed to fetch from %s: %w", cur.ShardID, err)
	}

	next := cur
	next.Token = batch.NextIterator
	if n := len(batch.Records); n > 0 {
		next.LastSequence = batch.Records[n-1].SequenceNumber
		telemetry.RecordsFetchedTotal.With(cur.ShardID).Add(float64(n))
	}

	if batch.NextIterator == "" {
		next.State = changelog.CursorDrained
		if len(batch.Records) == 0 {
			return nil, next, fmt.Errorf("%w: %s", changelog.ErrShardClosed, cur.ShardID)
		}
	}

	return batch.Records, next, nil
}

// Checkpoint records that every record of the shard up to and including seq
// has been handled. It must only be called after the publish of those
// records was confirmed.
func (m *Manager) Checkpoint(ctx context.Context, desc changelog.ShardDescriptor, seq string) error {
	if seq == "" {
		return nil
	}
	err := m.store.Save(ctx, checkpoint.Checkpoint{
		ShardID:        desc.ID,
		ParentID:       desc.ParentID,
		SequenceNumber: seq,
	})
	if err != nil {
		return fmt.Errorf("failed to checkpoint %s at %s: %w", desc.ID, seq, err)
	}
	telemetry.CheckpointsTotal.With(desc.ID).Inc()
	return nil
}

// MarkDrained writes the lineage completion record of a shard. seq is the
// last handled sequence, which may be empty for a shard that never held data.
func (m *Manager) MarkDrained(ctx context.Context, desc changelog.ShardDescriptor, seq string) error {
	prev, found, err := m.store.Load(ctx, desc.ID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint for %s: %w", desc.ID, err)
	}
	if found && changelog.CompareSequence(prev.SequenceNumber, seq) > 0 {
		seq = prev.SequenceNumber
	}

	err = m.store.Save(ctx, checkpoint.Checkpoint{
		ShardID:        desc.ID,
		ParentID:       desc.ParentID,
		SequenceNumber: seq,
		Drained:        true,
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s drained: %w", desc.ID, err)
	}
	log.Info().Str("shard", desc.ID).Str("seq", seq).Msg("Shard drained")
	return nil
}

// IsDrained reports whether a shard's lineage completion record exists
func (m *Manager) IsDrained(ctx context.Context, shardID string) (bool, error) {
	cp, found, err := m.store.Load(ctx, shardID)
	if err != nil {
		return false, err
	}
	return found && cp.Drained, nil
}
