package encoding

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ShardID  string    `msgpack:"shard"`
	Sequence string    `msgpack:"seq"`
	Drained  bool      `msgpack:"drained"`
	Updated  time.Time `msgpack:"updated"`
}

func TestRoundTripStruct(t *testing.T) {
	in := record{
		ShardID:  "shardId-000001",
		Sequence: "49590338271490256608559692538361571095921575989136588898",
		Drained:  true,
		Updated:  time.UnixMilli(1700000000123).UTC(),
	}

	data, err := Marshal(&in)
	require.NoError(t, err)

	var out record
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in.ShardID, out.ShardID)
	assert.Equal(t, in.Sequence, out.Sequence)
	assert.True(t, out.Drained)
	assert.True(t, in.Updated.Equal(out.Updated))
}

func TestOmitEmptyFields(t *testing.T) {
	full, err := Marshal(&record{ShardID: "s0", Sequence: "10", Drained: true})
	require.NoError(t, err)
	sparse, err := Marshal(&record{ShardID: "s0"})
	require.NoError(t, err)
	assert.Less(t, len(sparse), len(full))

	var out record
	require.NoError(t, Unmarshal(sparse, &out))
	assert.Equal(t, "s0", out.ShardID)
	assert.Empty(t, out.Sequence)
	assert.False(t, out.Drained)
}

func TestUnmarshalStringNotBytes(t *testing.T) {
	data, err := Marshal(map[string]any{"shard": "s0", "bin": []byte{0xDE, 0xAD}})
	require.NoError(t, err)

	var result any
	require.NoError(t, Unmarshal(data, &result))
	m, ok := result.(map[string]any)
	require.True(t, ok, "got %T", result)
	assert.Equal(t, "s0", m["shard"])
	assert.IsType(t, "", m["bin"])
}

func TestUnmarshalCorrupted(t *testing.T) {
	var out record
	assert.Error(t, Unmarshal([]byte{0xc1}, &out))
}

func TestMarshalConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				in := record{ShardID: "s", Sequence: time.Duration(id*1000 + j).String()}
				data, err := Marshal(&in)
				if !assert.NoError(t, err) {
					return
				}
				var out record
				if !assert.NoError(t, Unmarshal(data, &out)) {
					return
				}
				assert.Equal(t, in.Sequence, out.Sequence)
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkMarshal(b *testing.B) {
	in := record{ShardID: "shardId-000001", Sequence: "4959033827149025660855969253836", Updated: time.Now()}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Marshal(&in)
	}
}
