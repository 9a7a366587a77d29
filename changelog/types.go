package changelog

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EventKind identifies the mutation that produced a record
type EventKind uint8

const (
	EventUnknown EventKind = iota
	EventCreate
	EventUpdate
	EventDelete
)

// String returns the canonical upper-case name of the kind
func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "CREATE"
	case EventUpdate:
		return "UPDATE"
	case EventDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// ParseEventKind parses a kind name. It accepts the canonical names and the
// DynamoDB Streams event names (INSERT, MODIFY, REMOVE).
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CREATE", "INSERT":
		return EventCreate, nil
	case "UPDATE", "MODIFY":
		return EventUpdate, nil
	case "DELETE", "REMOVE":
		return EventDelete, nil
	default:
		return EventUnknown, fmt.Errorf("unknown event kind %q", s)
	}
}

// ShardDescriptor identifies a contiguous slice of the change log
type ShardDescriptor struct {
	ID               string
	ParentID         string // Empty for root shards
	StartingSequence string
	EndingSequence   string // Empty while the shard is open
}

// IsOpen reports whether the shard can still receive records
func (d ShardDescriptor) IsOpen() bool {
	return d.EndingSequence == ""
}

// HasParent reports whether the shard was created by a split
func (d ShardDescriptor) HasParent() bool {
	return d.ParentID != ""
}

// RawChangeRecord is a single mutation read from a shard
type RawChangeRecord struct {
	SequenceNumber      string
	Kind                EventKind
	Keys                Image
	OldImage            Image // nil when absent
	NewImage            Image // nil when absent
	ApproximateCreation time.Time
}

// StartPosition selects where a fresh cursor begins
type StartPosition uint8

const (
	PositionTrimHorizon StartPosition = iota
	PositionLatest
	PositionAfter
)

// StartHint tells the cursor manager where to open a shard
type StartHint struct {
	Position StartPosition
	Sequence string // Only meaningful for PositionAfter
}

// TrimHorizon starts at the oldest record still retained by the log
func TrimHorizon() StartHint { return StartHint{Position: PositionTrimHorizon} }

// Latest starts just after the newest record
func Latest() StartHint { return StartHint{Position: PositionLatest} }

// After starts just after the given sequence number
func After(seq string) StartHint { return StartHint{Position: PositionAfter, Sequence: seq} }

func (h StartHint) String() string {
	switch h.Position {
	case PositionTrimHorizon:
		return "TRIM_HORIZON"
	case PositionLatest:
		return "LATEST"
	case PositionAfter:
		return "AFTER(" + h.Sequence + ")"
	default:
		return "UNKNOWN"
	}
}

// ParseStartPosition parses the initial-tail policy names used in configuration
func ParseStartPosition(s string) (StartPosition, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRIM_HORIZON":
		return PositionTrimHorizon, nil
	case "LATEST":
		return PositionLatest, nil
	default:
		return 0, fmt.Errorf("invalid start position %q (want TRIM_HORIZON or LATEST)", s)
	}
}

// CursorState is the lifecycle state of a ShardCursor
type CursorState uint8

const (
	CursorUnstarted CursorState = iota
	CursorActive
	CursorExpired
	CursorDrained
)

func (s CursorState) String() string {
	switch s {
	case CursorUnstarted:
		return "UNSTARTED"
	case CursorActive:
		return "ACTIVE"
	case CursorExpired:
		return "EXPIRED"
	case CursorDrained:
		return "DRAINED"
	default:
		return "UNKNOWN"
	}
}

// ShardCursor is the read position of one shard. Tokens are single use: every
// fetch returns the cursor that replaces the one passed in.
type ShardCursor struct {
	ShardID      string
	Token        string
	LastSequence string // Last sequence returned by the log, empty if none yet
	State        CursorState
}

// RecordBatch is the result of one GetRecords call. An empty NextIterator
// means the shard is closed and no records follow this batch.
type RecordBatch struct {
	Records      []RawChangeRecord
	NextIterator string
}

// Source is the upstream partitioned change log
type Source interface {
	// ListShards returns every shard the log still knows about, closed ones included
	ListShards(ctx context.Context, logID string) ([]ShardDescriptor, error)
	// GetIterator acquires a position token for a shard
	GetIterator(ctx context.Context, logID, shardID string, hint StartHint) (string, error)
	// GetRecords reads up to limit records from a position token
	GetRecords(ctx context.Context, iterator string, limit int) (RecordBatch, error)
}

// ChangeEvent is the domain change event delivered to the bus
type ChangeEvent struct {
	Source              string
	Type                string
	IdempotencyKey      string
	ShardID             string
	SequenceNumber      string
	Kind                EventKind
	Keys                Image
	Prev                Image // nil for creations
	Curr                Image // nil for deletions
	ApproximateCreation time.Time
}

// IdempotencyKey builds the key consumers use to collapse duplicate deliveries
func IdempotencyKey(shardID, seq string) string {
	return shardID + ":" + seq
}

// CompareSequence compares two decimal sequence numbers of arbitrary length.
// The empty string sorts before every sequence.
func CompareSequence(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
