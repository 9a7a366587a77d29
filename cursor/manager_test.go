package cursor

import (
	"context"
	"testing"

	"github.com/maxpert/shardrelay/changelog"
	"github.com/maxpert/shardrelay/changelog/memlog"
	"github.com/maxpert/shardrelay/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, batchSize int, initial changelog.StartPosition) (*memlog.Log, *Manager) {
	t.Helper()
	l := memlog.New("log")
	m, err := NewManager(Config{
		LogID:           "log",
		Source:          l,
		Store:           checkpoint.NewMemoryStore(),
		BatchSize:       batchSize,
		InitialPosition: initial,
	})
	require.NoError(t, err)
	return l, m
}

func appendN(t *testing.T, l *memlog.Log, shardID string, n int) []string {
	t.Helper()
	var seqs []string
	for i := 0; i < n; i++ {
		seq, err := l.Append(shardID, changelog.EventCreate, nil, nil, changelog.Image{"n": changelog.Number("1")})
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	return seqs
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(Config{Source: memlog.New("x"), Store: checkpoint.NewMemoryStore()})
	assert.Error(t, err)

	_, err = NewManager(Config{LogID: "x", Store: checkpoint.NewMemoryStore()})
	assert.Error(t, err)

	_, err = NewManager(Config{LogID: "x", Source: memlog.New("x")})
	assert.Error(t, err)

	_, err = NewManager(Config{LogID: "x", Source: memlog.New("x"), Store: checkpoint.NewMemoryStore(),
		InitialPosition: changelog.PositionAfter})
	assert.Error(t, err)

	m, err := NewManager(Config{LogID: "x", Source: memlog.New("x"), Store: checkpoint.NewMemoryStore(), BatchSize: 5000})
	require.NoError(t, err)
	assert.Equal(t, MaxBatchSize, m.batchSize)
}

func TestFetchAdvancesAndReplacesToken(t *testing.T) {
	ctx := context.Background()
	l, m := newTestManager(t, 2, changelog.PositionTrimHorizon)
	require.NoError(t, l.CreateShard("s0", ""))
	seqs := appendN(t, l, "s0", 3)

	cur, err := m.Open(ctx, "s0", changelog.TrimHorizon())
	require.NoError(t, err)
	assert.Equal(t, changelog.CursorActive, cur.State)

	records, next, err := m.Fetch(ctx, cur)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, seqs[1], next.LastSequence)
	assert.NotEqual(t, cur.Token, next.Token)

	// The replaced token is no longer usable
	_, expired, err := m.Fetch(ctx, cur)
	assert.ErrorIs(t, err, changelog.ErrIteratorExpired)
	assert.Equal(t, changelog.CursorExpired, expired.State)

	records, next, err = m.Fetch(ctx, next)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, seqs[2], next.LastSequence)

	// Idle open shard
	records, next, err = m.Fetch(ctx, next)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, seqs[2], next.LastSequence)
	assert.Equal(t, changelog.CursorActive, next.State)
}

func TestFetchClosedShard(t *testing.T) {
	ctx := context.Background()
	l, m := newTestManager(t, 10, changelog.PositionTrimHorizon)
	require.NoError(t, l.CreateShard("s0", ""))
	appendN(t, l, "s0", 2)
	require.NoError(t, l.CloseShard("s0"))

	cur, err := m.Open(ctx, "s0", changelog.TrimHorizon())
	require.NoError(t, err)

	records, next, err := m.Fetch(ctx, cur)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, changelog.CursorDrained, next.State)

	_, _, err = m.Fetch(ctx, next)
	assert.ErrorIs(t, err, changelog.ErrShardClosed)
}

func TestFetchEmptyClosedShard(t *testing.T) {
	ctx := context.Background()
	l, m := newTestManager(t, 10, changelog.PositionTrimHorizon)
	require.NoError(t, l.CreateShard("s0", ""))
	require.NoError(t, l.CloseShard("s0"))

	cur, err := m.Open(ctx, "s0", changelog.TrimHorizon())
	require.NoError(t, err)

	records, next, err := m.Fetch(ctx, cur)
	assert.ErrorIs(t, err, changelog.ErrShardClosed)
	assert.Empty(t, records)
	assert.Equal(t, changelog.CursorDrained, next.State)
}

func TestReopenAfterExpiry(t *testing.T) {
	ctx := context.Background()
	l, m := newTestManager(t, 2, changelog.PositionTrimHorizon)
	require.NoError(t, l.CreateShard("s0", ""))
	seqs := appendN(t, l, "s0", 4)
	desc := changelog.ShardDescriptor{ID: "s0"}

	cur, err := m.Open(ctx, "s0", changelog.TrimHorizon())
	require.NoError(t, err)
	_, cur, err = m.Fetch(ctx, cur)
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint(ctx, desc, seqs[1]))

	l.ExpireIterators()
	_, _, err = m.Fetch(ctx, cur)
	require.ErrorIs(t, err, changelog.ErrIteratorExpired)

	hint, _, found, err := m.ResumeHint(ctx, desc, false, true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, changelog.After(seqs[1]), hint)

	cur, err = m.Open(ctx, "s0", hint)
	require.NoError(t, err)
	assert.Equal(t, seqs[1], cur.LastSequence)

	records, _, err := m.Fetch(ctx, cur)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, seqs[2], records[0].SequenceNumber)
}

func TestResumeHintPolicy(t *testing.T) {
	ctx := context.Background()
	_, m := newTestManager(t, 10, changelog.PositionLatest)

	open := changelog.ShardDescriptor{ID: "open"}
	closed := changelog.ShardDescriptor{ID: "closed", EndingSequence: "9"}
	child := changelog.ShardDescriptor{ID: "child", ParentID: "closed"}

	hint, _, found, err := m.ResumeHint(ctx, open, false, false)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, changelog.Latest(), hint)

	// Once opened, LATEST would skip whatever arrived since the last fetch
	hint, _, found, err = m.ResumeHint(ctx, open, false, true)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, changelog.TrimHorizon(), hint)

	hint, _, _, err = m.ResumeHint(ctx, closed, false, false)
	require.NoError(t, err)
	assert.Equal(t, changelog.TrimHorizon(), hint)

	hint, _, _, err = m.ResumeHint(ctx, child, true, false)
	require.NoError(t, err)
	assert.Equal(t, changelog.TrimHorizon(), hint)

	require.NoError(t, m.MarkDrained(ctx, closed, ""))
	hint, cp, found, err := m.ResumeHint(ctx, closed, false, false)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, cp.Drained)
	assert.Equal(t, changelog.TrimHorizon(), hint)
}

func TestCheckpointNeverRegresses(t *testing.T) {
	ctx := context.Background()
	_, m := newTestManager(t, 10, changelog.PositionTrimHorizon)
	desc := changelog.ShardDescriptor{ID: "s0"}

	require.NoError(t, m.Checkpoint(ctx, desc, "20"))
	err := m.Checkpoint(ctx, desc, "10")
	assert.ErrorIs(t, err, checkpoint.ErrRegression)

	// Empty sequence is a no-op
	require.NoError(t, m.Checkpoint(ctx, desc, ""))

	require.NoError(t, m.MarkDrained(ctx, desc, "15"))
	cp, found, err := m.Store().Load(ctx, "s0")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "20", cp.SequenceNumber)
	assert.True(t, cp.Drained)

	drained, err := m.IsDrained(ctx, "s0")
	require.NoError(t, err)
	assert.True(t, drained)
}
