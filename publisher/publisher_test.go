package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/shardrelay/changelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock implementations for testing

type mockSink struct {
	mu          sync.Mutex
	accepted    []string
	submissions [][]string
	rejections  map[string]int // key -> remaining rejections, negative = forever
	callErrs    int            // Number of whole-call failures before succeeding
}

func (m *mockSink) Submit(ctx context.Context, entries []Entry) ([]error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.IdempotencyKey
	}
	m.submissions = append(m.submissions, keys)

	if m.callErrs > 0 {
		m.callErrs--
		return nil, fmt.Errorf("mock transport failure")
	}

	results := make([]error, len(entries))
	for i, e := range entries {
		if n := m.rejections[e.IdempotencyKey]; n != 0 {
			if n > 0 {
				m.rejections[e.IdempotencyKey] = n - 1
			}
			results[i] = fmt.Errorf("mock rejection")
			continue
		}
		m.accepted = append(m.accepted, e.IdempotencyKey)
	}
	return results, nil
}

func (m *mockSink) Close() error {
	return nil
}

func newMockSink() *mockSink {
	return &mockSink{rejections: make(map[string]int)}
}

func testEvents(shardID string, seqs ...string) []changelog.ChangeEvent {
	out := make([]changelog.ChangeEvent, len(seqs))
	for i, seq := range seqs {
		out[i] = changelog.ChangeEvent{
			Source:         "myorg.entity-x",
			Type:           "Entity Change",
			IdempotencyKey: changelog.IdempotencyKey(shardID, seq),
			ShardID:        shardID,
			SequenceNumber: seq,
			Kind:           changelog.EventCreate,
			Keys:           changelog.Image{"id": changelog.String("e1")},
			Curr:           changelog.Image{"id": changelog.String("e1")},
		}
	}
	return out
}

func fastConfig(s Sink) Config {
	return Config{
		Sink:         s,
		MaxAttempts:  4,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}
}

func TestNewPublisherDefaults(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	p, err := New(Config{Sink: newMockSink()})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, p.config.MaxAttempts)
	assert.Equal(t, DefaultRetryInitial, p.config.RetryInitial)
	assert.Equal(t, DefaultRetryMax, p.config.RetryMax)
	assert.Equal(t, DefaultRetryMultiplier, p.config.RetryMultiplier)
	assert.Equal(t, DefaultSubmitTimeout, p.config.SubmitTimeout)
}

func TestPublishAllAccepted(t *testing.T) {
	sink := newMockSink()
	p, err := New(fastConfig(sink))
	require.NoError(t, err)

	res, err := p.Publish(context.Background(), testEvents("s0", "1", "2", "3"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Confirmed)
	assert.Equal(t, []string{"s0:1", "s0:2", "s0:3"}, res.Accepted)
	assert.Empty(t, res.Failed)
	assert.Len(t, sink.submissions, 1)
}

func TestPublishEmpty(t *testing.T) {
	sink := newMockSink()
	p, err := New(fastConfig(sink))
	require.NoError(t, err)

	res, err := p.Publish(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Confirmed)
	assert.Empty(t, sink.submissions)
}

func TestPublishRetriesSuffixFromFirstFailure(t *testing.T) {
	sink := newMockSink()
	sink.rejections["s0:2"] = 1
	p, err := New(fastConfig(sink))
	require.NoError(t, err)

	res, err := p.Publish(context.Background(), testEvents("s0", "1", "2", "3"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Confirmed)

	require.Len(t, sink.submissions, 2)
	assert.Equal(t, []string{"s0:1", "s0:2", "s0:3"}, sink.submissions[0])
	assert.Equal(t, []string{"s0:2", "s0:3"}, sink.submissions[1])

	// The last acceptance of every key respects sequence order
	assert.Equal(t, []string{"s0:1", "s0:3", "s0:2", "s0:3"}, sink.accepted)
	assert.Equal(t, []string{"s0:1", "s0:2", "s0:3"}, res.Accepted)
}

func TestPublishRetriesTransportFailure(t *testing.T) {
	sink := newMockSink()
	sink.callErrs = 2
	p, err := New(fastConfig(sink))
	require.NoError(t, err)

	res, err := p.Publish(context.Background(), testEvents("s0", "1", "2"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Confirmed)
	assert.Len(t, sink.submissions, 3)
}

func TestPublishExhausted(t *testing.T) {
	sink := newMockSink()
	sink.rejections["s0:2"] = -1
	p, err := New(fastConfig(sink))
	require.NoError(t, err)

	res, err := p.Publish(context.Background(), testEvents("s0", "1", "2", "3"))
	require.Error(t, err)
	assert.ErrorIs(t, err, changelog.ErrPublishExhausted)
	assert.True(t, IsExhausted(err))

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Equal(t, []string{"s0:2"}, exhausted.Failed)

	// Only the prefix before the stuck entry is confirmed. s0:3 reached the
	// bus but is neither accepted nor failed since it sits behind s0:2.
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, []string{"s0:1"}, res.Accepted)
	assert.Equal(t, []string{"s0:2"}, res.Failed)
	assert.NotContains(t, res.Accepted, "s0:3")
	assert.Len(t, sink.submissions, 4)
}

func TestPublishStopsOnCancel(t *testing.T) {
	sink := newMockSink()
	sink.rejections["s0:1"] = -1
	p, err := New(Config{
		Sink:         sink,
		MaxAttempts:  100,
		RetryInitial: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res, err := p.Publish(ctx, testEvents("s0", "1", "2"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, res.Confirmed)
}

func TestPublishConcurrentShards(t *testing.T) {
	sink := newMockSink()
	p, err := New(fastConfig(sink))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for shard := 0; shard < 4; shard++ {
		wg.Add(1)
		go func(shard int) {
			defer wg.Done()
			res, err := p.Publish(context.Background(), testEvents(fmt.Sprintf("s%d", shard), "1", "2"))
			assert.NoError(t, err)
			assert.Equal(t, 2, res.Confirmed)
		}(shard)
	}
	wg.Wait()

	assert.Len(t, sink.accepted, 8)
}
