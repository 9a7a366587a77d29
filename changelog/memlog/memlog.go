// Package memlog implements changelog.Source over an in-process partitioned log.
//
// It mirrors the behaviour of a shard-iterator based change stream closely
// enough to exercise the relay end to end: shards split into children, closed
// shards report an empty next iterator once drained, tokens are single use and
// can be expired on demand, and the head of a shard can be trimmed.
package memlog

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/maxpert/shardrelay/changelog"
)

const (
	defaultLimit = 1000
	seqWidth     = 21
)

type shard struct {
	desc    changelog.ShardDescriptor
	records []changelog.RawChangeRecord
	trimmed int // Records before this index are gone
}

type iterator struct {
	shardID    string
	pos        int
	generation uint64
}

// Log is an in-memory change log. Safe for concurrent use.
type Log struct {
	id string

	mu          sync.Mutex
	shards      map[string]*shard
	order       []string
	seq         uint64
	generation  uint64
	iterators   map[string]iterator
	nextToken   uint64
	unavailable bool
	now         func() time.Time
}

var _ changelog.Source = (*Log)(nil)

// New creates an empty log addressed by logID
func New(logID string) *Log {
	return &Log{
		id:        logID,
		shards:    make(map[string]*shard),
		iterators: make(map[string]iterator),
		now:       time.Now,
	}
}

// ID returns the log identifier
func (l *Log) ID() string {
	return l.id
}

// CreateShard adds an open shard. parentID may be empty.
func (l *Log) CreateShard(shardID, parentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.createShardLocked(shardID, parentID)
}

func (l *Log) createShardLocked(shardID, parentID string) error {
	if _, exists := l.shards[shardID]; exists {
		return fmt.Errorf("shard %s already exists", shardID)
	}
	l.shards[shardID] = &shard{
		desc: changelog.ShardDescriptor{
			ID:               shardID,
			ParentID:         parentID,
			StartingSequence: formatSeq(l.seq + 1),
		},
	}
	l.order = append(l.order, shardID)
	return nil
}

// Append writes a mutation to an open shard and returns its sequence number
func (l *Log) Append(shardID string, kind changelog.EventKind, keys, oldImage, newImage changelog.Image) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.shards[shardID]
	if !ok {
		return "", fmt.Errorf("%w: %s", changelog.ErrShardNotFound, shardID)
	}
	if !s.desc.IsOpen() {
		return "", fmt.Errorf("shard %s is closed", shardID)
	}

	l.seq++
	seq := formatSeq(l.seq)
	s.records = append(s.records, changelog.RawChangeRecord{
		SequenceNumber:      seq,
		Kind:                kind,
		Keys:                keys,
		OldImage:            oldImage,
		NewImage:            newImage,
		ApproximateCreation: l.now(),
	})
	return seq, nil
}

// CloseShard seals a shard at its current last sequence
func (l *Log) CloseShard(shardID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeShardLocked(shardID)
}

func (l *Log) closeShardLocked(shardID string) error {
	s, ok := l.shards[shardID]
	if !ok {
		return fmt.Errorf("%w: %s", changelog.ErrShardNotFound, shardID)
	}
	if !s.desc.IsOpen() {
		return nil
	}
	if n := len(s.records); n > 0 {
		s.desc.EndingSequence = s.records[n-1].SequenceNumber
	} else {
		s.desc.EndingSequence = s.desc.StartingSequence
	}
	return nil
}

// Split closes parentID and creates open children that name it as their parent
func (l *Log) Split(parentID string, childIDs ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.closeShardLocked(parentID); err != nil {
		return err
	}
	for _, id := range childIDs {
		if err := l.createShardLocked(id, parentID); err != nil {
			return err
		}
	}
	return nil
}

// Trim drops the oldest n records of a shard, as retention would
func (l *Log) Trim(shardID string, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.shards[shardID]
	if !ok {
		return fmt.Errorf("%w: %s", changelog.ErrShardNotFound, shardID)
	}
	s.trimmed = min(s.trimmed+n, len(s.records))
	return nil
}

// ExpireIterators invalidates every outstanding position token
func (l *Log) ExpireIterators() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation++
	l.iterators = make(map[string]iterator)
}

// SetUnavailable makes topology and iterator calls fail with ErrTopologyUnavailable
func (l *Log) SetUnavailable(unavailable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable = unavailable
}

// ListShards implements changelog.Source
func (l *Log) ListShards(ctx context.Context, logID string) ([]changelog.ShardDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.unavailable {
		return nil, fmt.Errorf("%w: log %s unreachable", changelog.ErrTopologyUnavailable, logID)
	}
	if logID != l.id {
		return nil, fmt.Errorf("%w: unknown log %s", changelog.ErrTopologyUnavailable, logID)
	}

	out := make([]changelog.ShardDescriptor, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.shards[id].desc)
	}
	return out, nil
}

// GetIterator implements changelog.Source
func (l *Log) GetIterator(ctx context.Context, logID, shardID string, hint changelog.StartHint) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.unavailable {
		return "", fmt.Errorf("%w: log %s unreachable", changelog.ErrTopologyUnavailable, logID)
	}
	if logID != l.id {
		return "", fmt.Errorf("%w: unknown log %s", changelog.ErrTopologyUnavailable, logID)
	}
	s, ok := l.shards[shardID]
	if !ok {
		return "", fmt.Errorf("%w: %s", changelog.ErrShardNotFound, shardID)
	}

	var pos int
	switch hint.Position {
	case changelog.PositionTrimHorizon:
		pos = s.trimmed
	case changelog.PositionLatest:
		pos = len(s.records)
	case changelog.PositionAfter:
		pos = len(s.records)
		for i, rec := range s.records {
			if changelog.CompareSequence(rec.SequenceNumber, hint.Sequence) > 0 {
				pos = i
				break
			}
		}
		pos = max(pos, s.trimmed)
	default:
		return "", fmt.Errorf("unsupported start position %d", hint.Position)
	}

	return l.issueLocked(shardID, pos), nil
}

// GetRecords implements changelog.Source. Tokens are consumed on use.
func (l *Log) GetRecords(ctx context.Context, token string, limit int) (changelog.RecordBatch, error) {
	if err := ctx.Err(); err != nil {
		return changelog.RecordBatch{}, err
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	it, ok := l.iterators[token]
	if !ok || it.generation != l.generation {
		return changelog.RecordBatch{}, fmt.Errorf("%w: token %s", changelog.ErrIteratorExpired, token)
	}
	delete(l.iterators, token)

	s, ok := l.shards[it.shardID]
	if !ok {
		return changelog.RecordBatch{}, fmt.Errorf("%w: %s", changelog.ErrShardNotFound, it.shardID)
	}

	start := max(it.pos, s.trimmed)
	end := min(start+limit, len(s.records))
	records := make([]changelog.RawChangeRecord, end-start)
	copy(records, s.records[start:end])

	batch := changelog.RecordBatch{Records: records}
	if s.desc.IsOpen() || end < len(s.records) {
		batch.NextIterator = l.issueLocked(it.shardID, end)
	}
	return batch, nil
}

func (l *Log) issueLocked(shardID string, pos int) string {
	l.nextToken++
	token := shardID + "/" + strconv.FormatUint(l.nextToken, 10)
	l.iterators[token] = iterator{shardID: shardID, pos: pos, generation: l.generation}
	return token
}

func formatSeq(n uint64) string {
	return fmt.Sprintf("%0*d", seqWidth, n)
}
