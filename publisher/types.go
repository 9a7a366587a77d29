package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/shardrelay/changelog"
)

// Entry is one event ready for the bus
type Entry struct {
	IdempotencyKey string    // {shardId}:{sequenceNumber}
	ShardID        string    // Originating shard
	PartitionKey   string    // Record key, for buses that partition
	Source         string    // Event source, e.g. "myorg.entity-x"
	DetailType     string    // Event type, e.g. "Entity Change"
	Detail         []byte    // JSON detail document
	Time           time.Time // Approximate creation time of the change
}

// Sink is a destination bus that accepts batches
type Sink interface {
	// Submit sends entries in order. On a nil error the returned slice has one
	// element per entry: nil when accepted, the rejection otherwise. A non-nil
	// error means no entry is known to be accepted.
	Submit(ctx context.Context, entries []Entry) ([]error, error)
	// Close releases any resources held by the sink
	Close() error
}

// Result reports the outcome of a Publish call
type Result struct {
	Accepted  []string // Keys of the leading run of accepted events, in order
	Failed    []string // Keys still rejected when Publish returned
	Confirmed int      // len(Accepted)
}

// ExhaustedError is returned when entries still fail after the attempt bound
type ExhaustedError struct {
	Attempts int
	Failed   []string
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("publish exhausted after %d attempts, %d entries failed (%s): %v",
		e.Attempts, len(e.Failed), strings.Join(e.Failed, ","), e.Last)
}

// Unwrap exposes both the taxonomy sentinel and the last transport error
func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{changelog.ErrPublishExhausted}
	}
	return []error{changelog.ErrPublishExhausted, e.Last}
}
