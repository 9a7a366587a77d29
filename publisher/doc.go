// Package publisher delivers domain change events to a bus.
//
// A Publisher turns each changelog.ChangeEvent into an Entry (the event
// envelope plus a JSON detail document) and submits entries through a Sink,
// which reports acceptance per entry. Failed entries are retried with
// exponential backoff. Every retry resubmits the suffix starting at the first
// failed entry, so a shard's events reach the bus in sequence order even when
// the bus accepts a batch partially.
//
// # Detail format
//
//	{
//	  "idempotencyKey": "{shardId}:{sequenceNumber}",
//	  "prev": { ...old image... } | null,
//	  "curr": { ...new image... } | null
//	}
//
// Attribute values are rendered as plain JSON: numbers keep their decimal
// text, sets become arrays and binary values are base64.
//
// # Results
//
// Publish returns a Result whose Confirmed count is the length of the prefix
// of events the bus accepted. Callers checkpoint only that prefix. When the
// attempt bound is reached Publish returns an *ExhaustedError that matches
// changelog.ErrPublishExhausted.
//
// # Sinks
//
// Sink implementations live in publisher/sink and register themselves by bus
// type through RegisterSink:
//
//	eventbridge  AWS EventBridge PutEvents (10 entries per call)
//	kafka        segmentio/kafka-go writer, keyed by record key
//	nats         NATS JetStream with Nats-Msg-Id deduplication
//	amqp         RabbitMQ with publisher confirms
package publisher
