package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxpert/shardrelay/cfg"
	"github.com/maxpert/shardrelay/publisher"
	"github.com/rabbitmq/amqp091-go"
)

func init() {
	publisher.RegisterSink("amqp", func(config cfg.BusConfiguration) (publisher.Sink, error) {
		return NewAMQPSink(AMQPConfig{
			URL:        config.AMQPURL,
			Exchange:   config.Exchange,
			RoutingKey: config.Name,
		})
	})
}

// AMQPConfig holds configuration for AMQPSink
type AMQPConfig struct {
	URL        string
	Exchange   string // Topic exchange, declared durable
	RoutingKey string
}

// AMQPSink publishes entries to a RabbitMQ exchange with publisher confirms
type AMQPSink struct {
	config AMQPConfig
	conn   *amqp091.Connection
	ch     *amqp091.Channel
	mu     sync.Mutex // Serializes submissions so confirms stay in order
}

// NewAMQPSink dials the broker, declares the exchange and enables confirms
func NewAMQPSink(config AMQPConfig) (*AMQPSink, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("amqp sink requires amqp_url")
	}
	if config.Exchange == "" {
		return nil, fmt.Errorf("amqp sink requires an exchange")
	}
	if config.RoutingKey == "" {
		return nil, fmt.Errorf("amqp sink requires a routing key")
	}

	s := &AMQPSink{config: config}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AMQPSink) connect() error {
	conn, err := amqp091.Dial(s.config.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.config.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	s.conn, s.ch = conn, ch
	return nil
}

// Submit publishes every entry and then waits for each broker confirm. A
// closed channel is reopened on the next submission.
func (s *AMQPSink) Submit(ctx context.Context, entries []publisher.Entry) ([]error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil || s.ch.IsClosed() {
		s.closeLocked()
		if err := s.connect(); err != nil {
			return nil, err
		}
	}

	results := make([]error, len(entries))
	confirms := make([]*amqp091.DeferredConfirmation, len(entries))
	for i, e := range entries {
		msg := amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    e.IdempotencyKey,
			Type:         e.DetailType,
			AppId:        e.Source,
			Timestamp:    e.Time,
			Headers:      amqp091.Table{"partition-key": e.PartitionKey},
			Body:         e.Detail,
		}
		dc, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, s.config.Exchange, s.config.RoutingKey, false, false, msg)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("publish to %s: %w", s.config.Exchange, err)
			}
			markRemaining(results, i, fmt.Errorf("publish to %s: %w", s.config.Exchange, err))
			break
		}
		confirms[i] = dc
	}

	for i, dc := range confirms {
		if dc == nil {
			continue
		}
		acked, err := dc.WaitContext(ctx)
		switch {
		case err != nil:
			results[i] = err
		case !acked:
			results[i] = fmt.Errorf("broker nacked %s", entries[i].IdempotencyKey)
		}
	}
	return results, nil
}

func (s *AMQPSink) closeLocked() {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.ch, s.conn = nil, nil
}

// Close releases the channel and connection
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}
