package changelog

import "errors"

var (
	// ErrTopologyUnavailable is returned when the log topology cannot be read
	ErrTopologyUnavailable = errors.New("log topology unavailable")

	// ErrIteratorExpired is returned when a position token can no longer be used
	ErrIteratorExpired = errors.New("shard iterator expired")

	// ErrShardClosed signals that a closed shard has no more records.
	// It is a lifecycle signal, not a failure.
	ErrShardClosed = errors.New("shard closed, no more records")

	// ErrMalformedRecord is returned for a record missing an image its kind requires
	ErrMalformedRecord = errors.New("malformed change record")

	// ErrPublishExhausted is returned when events are still rejected after the retry bound
	ErrPublishExhausted = errors.New("publish retries exhausted")

	// ErrShardNotFound is returned when a shard id is unknown to the log
	ErrShardNotFound = errors.New("shard not found")
)
