package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxpert/shardrelay/publisher"
)

// MockSink is a scriptable in-memory bus for testing
type MockSink struct {
	Entries     []publisher.Entry // Accepted entries in submission order
	Submissions [][]string        // Idempotency keys of every Submit call
	SubmitErr   error             // When set, every Submit fails as a whole
	failures    map[string]int    // Remaining rejections per key, negative = forever
	mu          sync.Mutex
}

// FailKey makes the next n submissions of key fail. n < 0 fails forever.
func (m *MockSink) FailKey(key string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == nil {
		m.failures = make(map[string]int)
	}
	m.failures[key] = n
}

// SetSubmitErr makes every Submit fail with err until cleared with nil
func (m *MockSink) SetSubmitErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubmitErr = err
}

// Submit records accepted entries for later inspection in tests
func (m *MockSink) Submit(ctx context.Context, entries []publisher.Entry) ([]error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.IdempotencyKey
	}
	m.Submissions = append(m.Submissions, keys)

	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}

	results := make([]error, len(entries))
	for i, e := range entries {
		if n, ok := m.failures[e.IdempotencyKey]; ok && n != 0 {
			if n > 0 {
				m.failures[e.IdempotencyKey] = n - 1
			}
			results[i] = fmt.Errorf("mock rejection of %s", e.IdempotencyKey)
			continue
		}
		m.Entries = append(m.Entries, e)
	}
	return results, nil
}

// Accepted returns a copy of the accepted entries
func (m *MockSink) Accepted() []publisher.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publisher.Entry, len(m.Entries))
	copy(out, m.Entries)
	return out
}

// AcceptedKeys returns the idempotency keys of accepted entries in order
func (m *MockSink) AcceptedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		out[i] = e.IdempotencyKey
	}
	return out
}

// SubmissionCount returns how many times Submit was called
func (m *MockSink) SubmissionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Submissions)
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Reset clears all recorded entries and scripted failures
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Entries = nil
	m.Submissions = nil
	m.SubmitErr = nil
	m.failures = nil
}
