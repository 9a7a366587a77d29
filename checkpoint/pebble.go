package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/maxpert/shardrelay/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefix for Pebble storage: /checkpoint/{shardID}
const prefixCheckpoint = "/checkpoint/"

// Pebble configuration constants. Checkpoint writes are tiny and frequent.
const (
	memTableSize                = 4 << 20 // 4MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
)

const saveLockShards = 64

// PebbleStore persists checkpoints in a local Pebble database
type PebbleStore struct {
	db   *pebble.DB
	path string

	// Sharded locks serialize the read-check-write of a single shard
	saveLocks [saveLockShards]sync.Mutex

	closed atomic.Bool
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore creates or opens a store under {dataDir}/checkpoints
func NewPebbleStore(dataDir string) (*PebbleStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	path := filepath.Join(dataDir, "checkpoints")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store at %s: %w", path, err)
	}

	log.Info().Str("path", path).Msg("Opened pebble checkpoint store")
	return &PebbleStore{db: db, path: path}, nil
}

func (s *PebbleStore) lockFor(shardID string) *sync.Mutex {
	return &s.saveLocks[xxhash.Sum64String(shardID)%saveLockShards]
}

func (s *PebbleStore) Load(_ context.Context, shardID string) (Checkpoint, bool, error) {
	if s.closed.Load() {
		return Checkpoint{}, false, fmt.Errorf("checkpoint store is closed")
	}
	return s.get(shardID)
}

func (s *PebbleStore) get(shardID string) (Checkpoint, bool, error) {
	val, closer, err := s.db.Get([]byte(prefixCheckpoint + shardID))
	if err == pebble.ErrNotFound {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	defer closer.Close()

	var cp Checkpoint
	if err := encoding.Unmarshal(val, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("corrupted checkpoint for shard %s: %w", shardID, err)
	}
	return cp, true, nil
}

func (s *PebbleStore) Save(_ context.Context, cp Checkpoint) error {
	if s.closed.Load() {
		return fmt.Errorf("checkpoint store is closed")
	}
	cp = stamp(cp)

	mu := s.lockFor(cp.ShardID)
	mu.Lock()
	defer mu.Unlock()

	prev, found, err := s.get(cp.ShardID)
	if err != nil {
		return err
	}
	if err := CheckAdvance(prev, found, cp); err != nil {
		return err
	}

	val, err := encoding.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := s.db.Set([]byte(prefixCheckpoint+cp.ShardID), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func (s *PebbleStore) List(_ context.Context) ([]Checkpoint, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("checkpoint store is closed")
	}

	prefix := []byte(prefixCheckpoint)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Checkpoint
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var cp Checkpoint
		if err := encoding.Unmarshal(val, &cp); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupted checkpoint")
			continue
		}
		out = append(out, cp)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close flushes and closes the Pebble database
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
