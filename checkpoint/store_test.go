package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"pebble": func(t *testing.T) Store {
			s, err := NewPebbleStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			dsn := filepath.Join(t.TempDir(), "checkpoints.db")
			s, err := NewSQLStore(context.Background(), "sqlite3", dsn, "")
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisStoreWithClient(client, "test")
		},
	}
}

func TestStores(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("LoadMissing", func(t *testing.T) {
				s := factory(t)
				defer s.Close()

				_, found, err := s.Load(context.Background(), "shard-1")
				require.NoError(t, err)
				assert.False(t, found)
			})

			t.Run("SaveAndLoad", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				require.NoError(t, s.Save(ctx, Checkpoint{ShardID: "shard-1", ParentID: "shard-0", SequenceNumber: "100"}))
				cp, found, err := s.Load(ctx, "shard-1")
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, "100", cp.SequenceNumber)
				assert.Equal(t, "shard-0", cp.ParentID)
				assert.False(t, cp.Drained)
				assert.False(t, cp.UpdatedAt.IsZero())

				require.NoError(t, s.Save(ctx, Checkpoint{ShardID: "shard-1", ParentID: "shard-0", SequenceNumber: "250"}))
				cp, _, err = s.Load(ctx, "shard-1")
				require.NoError(t, err)
				assert.Equal(t, "250", cp.SequenceNumber)
			})

			t.Run("RejectsRegression", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				require.NoError(t, s.Save(ctx, Checkpoint{ShardID: "shard-1", SequenceNumber: "900"}))
				err := s.Save(ctx, Checkpoint{ShardID: "shard-1", SequenceNumber: "1000"})
				require.NoError(t, err)

				err = s.Save(ctx, Checkpoint{ShardID: "shard-1", SequenceNumber: "999"})
				assert.ErrorIs(t, err, ErrRegression)

				cp, _, err := s.Load(ctx, "shard-1")
				require.NoError(t, err)
				assert.Equal(t, "1000", cp.SequenceNumber)
			})

			t.Run("DrainedIsFinal", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				require.NoError(t, s.Save(ctx, Checkpoint{ShardID: "shard-1", SequenceNumber: "5", Drained: true}))
				err := s.Save(ctx, Checkpoint{ShardID: "shard-1", SequenceNumber: "6"})
				assert.ErrorIs(t, err, ErrRegression)

				cp, _, err := s.Load(ctx, "shard-1")
				require.NoError(t, err)
				assert.True(t, cp.Drained)
			})

			t.Run("List", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				for i := 3; i > 0; i-- {
					require.NoError(t, s.Save(ctx, Checkpoint{
						ShardID:        fmt.Sprintf("shard-%d", i),
						SequenceNumber: fmt.Sprintf("%d", i*10),
					}))
				}

				all, err := s.List(ctx)
				require.NoError(t, err)
				require.Len(t, all, 3)

				ids := make([]string, len(all))
				for i, cp := range all {
					ids[i] = cp.ShardID
				}
				assert.ElementsMatch(t, []string{"shard-1", "shard-2", "shard-3"}, ids)
			})

			t.Run("ConcurrentShards", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				var wg sync.WaitGroup
				for shard := 0; shard < 4; shard++ {
					wg.Add(1)
					go func(shard int) {
						defer wg.Done()
						for seq := 1; seq <= 20; seq++ {
							assert.NoError(t, s.Save(ctx, Checkpoint{
								ShardID:        fmt.Sprintf("shard-%d", shard),
								SequenceNumber: fmt.Sprintf("%d", seq),
							}))
						}
					}(shard)
				}
				wg.Wait()

				for shard := 0; shard < 4; shard++ {
					cp, found, err := s.Load(ctx, fmt.Sprintf("shard-%d", shard))
					require.NoError(t, err)
					require.True(t, found)
					assert.Equal(t, "20", cp.SequenceNumber)
				}
			})
		})
	}
}

func TestPebbleStoreReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewPebbleStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, Checkpoint{ShardID: "shard-1", SequenceNumber: "42"}))
	require.NoError(t, s.Close())

	s, err = NewPebbleStore(dir)
	require.NoError(t, err)
	defer s.Close()

	cp, found, err := s.Load(ctx, "shard-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "42", cp.SequenceNumber)
}

func TestCheckAdvance(t *testing.T) {
	assert.Error(t, CheckAdvance(Checkpoint{}, false, Checkpoint{}))
	assert.NoError(t, CheckAdvance(Checkpoint{}, false, Checkpoint{ShardID: "s"}))
	assert.NoError(t, CheckAdvance(
		Checkpoint{ShardID: "s", SequenceNumber: "9"}, true,
		Checkpoint{ShardID: "s", SequenceNumber: "10"}))
	assert.NoError(t, CheckAdvance(
		Checkpoint{ShardID: "s", SequenceNumber: "10"}, true,
		Checkpoint{ShardID: "s", SequenceNumber: "10", Drained: true}))
	assert.ErrorIs(t, CheckAdvance(
		Checkpoint{ShardID: "s", SequenceNumber: "10"}, true,
		Checkpoint{ShardID: "s"}), ErrRegression)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, Options{Type: "pebble", DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	mr := miniredis.RunT(t)
	s, err = Open(ctx, Options{Type: "redis", RedisAddr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Type: "sql", SQLDriver: "postgres", SQLDSN: "x"})
	assert.Error(t, err)

	_, err = Open(ctx, Options{Type: "etcd"})
	assert.Error(t, err)
}
