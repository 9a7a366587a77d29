package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/shardrelay/cfg"
	"github.com/maxpert/shardrelay/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Duplicate window of the stream; redeliveries inside it are dropped by JetStream
const natsDuplicateWindow = 2 * time.Minute

func init() {
	publisher.RegisterSink("nats", func(config cfg.BusConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL, config.Name)
	})
}

// NatsSink implements the Sink interface for NATS JetStream publishing
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string

	streamMu    sync.Mutex
	streamReady bool
}

// NewNatsSink creates a new NATS JetStream sink publishing to subject
func NewNatsSink(url, subject string) (*NatsSink, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats sink requires a subject")
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, subject: subject}, nil
}

// ensureStream creates the stream on first use. A failure is retried on the
// next submission.
func (n *NatsSink) ensureStream(ctx context.Context) error {
	n.streamMu.Lock()
	defer n.streamMu.Unlock()

	if n.streamReady {
		return nil
	}

	streamName := sanitizeStreamName(n.subject)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{n.subject},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Duplicates: natsDuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}
	n.streamReady = true
	return nil
}

// Submit publishes entries asynchronously in order and waits for every ack.
// The idempotency key is sent as Nats-Msg-Id.
func (n *NatsSink) Submit(ctx context.Context, entries []publisher.Entry) ([]error, error) {
	if err := n.ensureStream(ctx); err != nil {
		return nil, err
	}

	futures := make([]jetstream.PubAckFuture, len(entries))
	results := make([]error, len(entries))
	for i, e := range entries {
		msg := &nats.Msg{
			Subject: n.subject,
			Data:    e.Detail,
			Header: nats.Header{
				"source":      []string{e.Source},
				"detail-type": []string{e.DetailType},
				"key":         []string{e.PartitionKey},
			},
		}
		future, err := n.js.PublishMsgAsync(msg, jetstream.WithMsgID(e.IdempotencyKey))
		if err != nil {
			results[i] = fmt.Errorf("failed to publish to %s: %w", n.subject, err)
			continue
		}
		futures[i] = future
	}

	for i, future := range futures {
		if future == nil {
			continue
		}
		select {
		case <-future.Ok():
		case err := <-future.Err():
			results[i] = err
		case <-ctx.Done():
			results[i] = ctx.Err()
		}
	}

	return results, nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name.
// Stream names can't contain ".", "*", ">" or whitespace.
func sanitizeStreamName(subject string) string {
	result := []byte(subject)
	for i, c := range result {
		switch c {
		case '.', '*', '>', ' ', '\t':
			result[i] = '_'
		}
	}
	return string(result)
}
