package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultKeyPrefix namespaces checkpoint keys in Redis
const DefaultKeyPrefix = "shardrelay"

// Optimistic transaction attempts before a save gives up
const maxWatchRetries = 8

// RedisOptions configures a RedisStore
type RedisOptions struct {
	Addr      string
	DB        int
	Password  string
	KeyPrefix string
}

// RedisStore keeps one JSON string per shard at {prefix}:checkpoint:{shard}
// and indexes the shard ids in the set {prefix}:shards.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis checkpoint store requires an address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		DB:       opts.DB,
		Password: opts.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	s := NewRedisStoreWithClient(client, opts.KeyPrefix)
	s.owned = true
	log.Info().Str("addr", opts.Addr).Str("prefix", s.prefix).Msg("Opened redis checkpoint store")
	return s, nil
}

// NewRedisStoreWithClient uses an existing client. Close leaves it open.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client: client,
		prefix: keyPrefix,
	}
}

func (s *RedisStore) shardKey(shardID string) string {
	return s.prefix + ":checkpoint:" + shardID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":shards"
}

func (s *RedisStore) Load(ctx context.Context, shardID string) (Checkpoint, bool, error) {
	return s.load(ctx, s.client, shardID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, shardID string) (Checkpoint, bool, error) {
	raw, err := c.Get(ctx, s.shardKey(shardID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("failed to load checkpoint %s: %w", shardID, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("corrupted checkpoint for shard %s: %w", shardID, err)
	}
	return cp, true, nil
}

// Save runs the regression check and the write in a WATCH transaction so
// concurrent writers of the same shard cannot interleave.
func (s *RedisStore) Save(ctx context.Context, cp Checkpoint) error {
	cp = stamp(cp)
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		prev, found, err := s.load(ctx, tx, cp.ShardID)
		if err != nil {
			return err
		}
		if err := CheckAdvance(prev, found, cp); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.shardKey(cp.ShardID), payload, 0)
			pipe.SAdd(ctx, s.indexKey(), cp.ShardID)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, s.shardKey(cp.ShardID))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("failed to save checkpoint %s: too many concurrent writers", cp.ShardID)
}

func (s *RedisStore) List(ctx context.Context) ([]Checkpoint, error) {
	shardIDs, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(shardIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(shardIDs))
	for i, id := range shardIDs {
		keys[i] = s.shardKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := make([]Checkpoint, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		shardID := shardIDs[i]
		var cp Checkpoint
		if err := json.Unmarshal([]byte(raw), &cp); err != nil {
			log.Warn().Err(err).Str("shard", shardID).Msg("Skipping corrupted checkpoint")
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardID < out[j].ShardID })
	return out, nil
}

func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
