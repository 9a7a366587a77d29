// Package shard tracks the shards of the monitored change log: identity,
// parent linkage and open/closed state.
package shard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/shardrelay/changelog"
	"github.com/maxpert/shardrelay/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultCacheSize bounds the number of descriptors remembered between listings
const DefaultCacheSize = 4096

// Store is the Shard Descriptor Store. It is safe for concurrent use by every
// tailer of the log.
type Store struct {
	source changelog.Source
	logID  string
	cache  *lru.Cache[string, changelog.ShardDescriptor]

	// Serializes topology listings so concurrent hand-offs share one call
	listMu     sync.Mutex
	lastListed time.Time
}

// NewStore creates a descriptor store for logID
func NewStore(source changelog.Source, logID string, cacheSize int) (*Store, error) {
	if source == nil {
		return nil, fmt.Errorf("log source is required")
	}
	if logID == "" {
		return nil, fmt.Errorf("log id is required")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	cache, err := lru.New[string, changelog.ShardDescriptor](cacheSize)
	if err != nil {
		return nil, err
	}

	return &Store{
		source: source,
		logID:  logID,
		cache:  cache,
	}, nil
}

// LogID returns the identifier of the monitored log
func (s *Store) LogID() string {
	return s.logID
}

// ListShards queries the log topology and returns every shard, closed ones
// included, parents ordered before their children. Failures are wrapped in
// changelog.ErrTopologyUnavailable; the caller retries with backoff.
func (s *Store) ListShards(ctx context.Context) ([]changelog.ShardDescriptor, error) {
	s.listMu.Lock()
	defer s.listMu.Unlock()

	shards, err := s.source.ListShards(ctx, s.logID)
	if err != nil {
		telemetry.TopologyErrorsTotal.Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, changelog.ErrTopologyUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", changelog.ErrTopologyUnavailable, err)
	}

	for _, d := range shards {
		s.cache.Add(d.ID, d)
	}
	s.lastListed = time.Now()

	ordered := lineageOrder(shards)
	log.Debug().
		Str("log", s.logID).
		Int("shards", len(ordered)).
		Msg("Listed log topology")

	return ordered, nil
}

// FindChildren returns the successor shards created when shardID split.
// The topology is listed again because children appear only after the parent
// closes. An empty result means the lineage ended.
func (s *Store) FindChildren(ctx context.Context, shardID string) ([]changelog.ShardDescriptor, error) {
	shards, err := s.ListShards(ctx)
	if err != nil {
		return nil, err
	}

	var children []changelog.ShardDescriptor
	for _, d := range shards {
		if d.ParentID == shardID {
			children = append(children, d)
		}
	}
	return children, nil
}

// Get returns the last known descriptor of a shard without touching the log
func (s *Store) Get(shardID string) (changelog.ShardDescriptor, bool) {
	return s.cache.Get(shardID)
}

// Known returns every cached descriptor in lineage order
func (s *Store) Known() []changelog.ShardDescriptor {
	return lineageOrder(s.cache.Values())
}

// LastListed returns when the topology was last read successfully
func (s *Store) LastListed() time.Time {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	return s.lastListed
}

// lineageOrder sorts descriptors so that a parent present in the set always
// precedes its children. Siblings are ordered by starting sequence.
func lineageOrder(shards []changelog.ShardDescriptor) []changelog.ShardDescriptor {
	byID := make(map[string]changelog.ShardDescriptor, len(shards))
	for _, d := range shards {
		byID[d.ID] = d
	}

	depth := make(map[string]int, len(shards))
	var depthOf func(id string, guard int) int
	depthOf = func(id string, guard int) int {
		if d, ok := depth[id]; ok {
			return d
		}
		desc, ok := byID[id]
		if !ok || !desc.HasParent() || guard > len(shards) {
			depth[id] = 0
			return 0
		}
		if _, parentKnown := byID[desc.ParentID]; !parentKnown {
			depth[id] = 0
			return 0
		}
		d := depthOf(desc.ParentID, guard+1) + 1
		depth[id] = d
		return d
	}

	out := make([]changelog.ShardDescriptor, 0, len(byID))
	for _, d := range byID {
		depthOf(d.ID, 0)
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool {
		di, dj := depth[out[i].ID], depth[out[j].ID]
		if di != dj {
			return di < dj
		}
		if c := changelog.CompareSequence(out[i].StartingSequence, out[j].StartingSequence); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}
