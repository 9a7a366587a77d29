// Package checkpoint persists the last successfully published sequence number
// of every shard, plus the lineage completion marker of drained shards.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/shardrelay/changelog"
)

// ErrRegression is returned when a save would move a checkpoint backwards
var ErrRegression = errors.New("checkpoint regression")

// Checkpoint is the durable read position of one shard
type Checkpoint struct {
	ShardID        string    `msgpack:"shard" json:"shard_id"`
	ParentID       string    `msgpack:"parent" json:"parent_id,omitempty"`
	SequenceNumber string    `msgpack:"seq" json:"sequence_number,omitempty"`
	Drained        bool      `msgpack:"drained" json:"drained"`
	UpdatedAt      time.Time `msgpack:"updated" json:"updated_at"`
}

// Store persists checkpoints. Implementations must be safe for concurrent use
// and must reject saves that fail CheckAdvance.
type Store interface {
	// Load returns the checkpoint of a shard; false if none was ever saved
	Load(ctx context.Context, shardID string) (Checkpoint, bool, error)
	// Save records a checkpoint
	Save(ctx context.Context, cp Checkpoint) error
	// List returns every stored checkpoint
	List(ctx context.Context) ([]Checkpoint, error)
	// Close releases resources held by the store
	Close() error
}

// CheckAdvance validates that next does not move backwards from prev: the
// sequence never decreases and a drained shard never becomes undrained.
func CheckAdvance(prev Checkpoint, found bool, next Checkpoint) error {
	if next.ShardID == "" {
		return fmt.Errorf("checkpoint without shard id")
	}
	if !found {
		return nil
	}
	if prev.Drained && !next.Drained {
		return fmt.Errorf("%w: shard %s is already drained", ErrRegression, next.ShardID)
	}
	if changelog.CompareSequence(next.SequenceNumber, prev.SequenceNumber) < 0 {
		return fmt.Errorf("%w: shard %s from %s to %s",
			ErrRegression, next.ShardID, prev.SequenceNumber, next.SequenceNumber)
	}
	return nil
}

// Options selects and configures a store implementation
type Options struct {
	Type          string // memory, pebble, sql, redis
	DataDir       string // pebble
	SQLDriver     string // sqlite3 or mysql
	SQLDSN        string
	Table         string
	RedisAddr     string
	RedisDB       int
	RedisPassword string
	KeyPrefix     string
}

// Open creates the store selected by opts.Type
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "pebble":
		return NewPebbleStore(opts.DataDir)
	case "sql":
		return NewSQLStore(ctx, opts.SQLDriver, opts.SQLDSN, opts.Table)
	case "redis":
		return NewRedisStore(ctx, RedisOptions{
			Addr:      opts.RedisAddr,
			DB:        opts.RedisDB,
			Password:  opts.RedisPassword,
			KeyPrefix: opts.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown checkpoint store type: %s", opts.Type)
	}
}

func stamp(cp Checkpoint) Checkpoint {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	return cp
}
