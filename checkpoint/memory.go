package checkpoint

import (
	"context"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore keeps checkpoints for the lifetime of the process
type MemoryStore struct {
	checkpoints *xsync.MapOf[string, Checkpoint]
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: xsync.NewMapOf[string, Checkpoint](),
	}
}

func (s *MemoryStore) Load(_ context.Context, shardID string) (Checkpoint, bool, error) {
	cp, ok := s.checkpoints.Load(shardID)
	return cp, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	cp = stamp(cp)

	var saveErr error
	s.checkpoints.Compute(cp.ShardID, func(prev Checkpoint, loaded bool) (Checkpoint, bool) {
		if err := CheckAdvance(prev, loaded, cp); err != nil {
			saveErr = err
			return prev, !loaded
		}
		return cp, false
	})
	return saveErr
}

func (s *MemoryStore) List(_ context.Context) ([]Checkpoint, error) {
	out := make([]Checkpoint, 0, s.checkpoints.Size())
	s.checkpoints.Range(func(_ string, cp Checkpoint) bool {
		out = append(out, cp)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
