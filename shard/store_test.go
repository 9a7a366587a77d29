package shard

import (
	"context"
	"testing"

	"github.com/maxpert/shardrelay/changelog"
	"github.com/maxpert/shardrelay/changelog/memlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*memlog.Log, *Store) {
	t.Helper()
	l := memlog.New("entity-x")
	s, err := NewStore(l, "entity-x", 0)
	require.NoError(t, err)
	return l, s
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(nil, "log", 0)
	assert.Error(t, err)

	_, err = NewStore(memlog.New("log"), "", 0)
	assert.Error(t, err)
}

func TestListShardsParentsFirst(t *testing.T) {
	l, s := newTestStore(t)
	require.NoError(t, l.CreateShard("root", ""))
	require.NoError(t, l.Split("root", "b", "a"))
	require.NoError(t, l.Split("a", "a1"))

	shards, err := s.ListShards(context.Background())
	require.NoError(t, err)

	ids := make([]string, len(shards))
	for i, d := range shards {
		ids[i] = d.ID
	}
	assert.Equal(t, "root", ids[0])
	assert.ElementsMatch(t, []string{"a", "b"}, ids[1:3])
	assert.Equal(t, "a1", ids[3])
	assert.False(t, s.LastListed().IsZero())
}

func TestFindChildren(t *testing.T) {
	l, s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, l.CreateShard("s0", ""))

	children, err := s.FindChildren(ctx, "s0")
	require.NoError(t, err)
	assert.Empty(t, children)

	require.NoError(t, l.Split("s0", "s1", "s2"))
	children, err = s.FindChildren(ctx, "s0")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "s0", children[0].ParentID)
	assert.True(t, children[0].IsOpen())

	parent, ok := s.Get("s0")
	require.True(t, ok)
	assert.False(t, parent.IsOpen())
	assert.Len(t, s.Known(), 3)
}

func TestListShardsUnavailable(t *testing.T) {
	l, s := newTestStore(t)
	l.SetUnavailable(true)

	_, err := s.ListShards(context.Background())
	assert.ErrorIs(t, err, changelog.ErrTopologyUnavailable)

	_, err = s.FindChildren(context.Background(), "s0")
	assert.ErrorIs(t, err, changelog.ErrTopologyUnavailable)
}

func TestLineageOrderOrphanChild(t *testing.T) {
	// A child whose parent has aged out of the topology is treated as a root
	ordered := lineageOrder([]changelog.ShardDescriptor{
		{ID: "child", ParentID: "gone", StartingSequence: "20"},
		{ID: "root", StartingSequence: "10"},
	})
	require.Len(t, ordered, 2)
	assert.Equal(t, "root", ordered[0].ID)
	assert.Equal(t, "child", ordered[1].ID)
}
