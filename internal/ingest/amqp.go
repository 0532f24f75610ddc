package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-dispatch/internal/events"
)

const DefaultExchange = "ride_topic"

// channel is the part of *amqp.Channel the sink uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes lifecycle events to a topic exchange for the
// notification service. The routing key is the event type, e.g.
// ride.accepted.
type AMQPSink struct {
	exchange string
	conn     *amqp.Connection
	ch       channel
}

// DialAMQP connects with backoff and declares the exchange.
func DialAMQP(ctx context.Context, url, exchange string, logger *slog.Logger) (*AMQPSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	const maxRetries = 5
	delay := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		s, err := dial(url, exchange)
		if err == nil {
			logger.Info("amqp connected", "exchange", exchange, "attempt", attempt)
			return s, nil
		}
		lastErr = err
		logger.Warn("amqp connect failed", "attempt", attempt, "retry_in", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * 1.5)
	}
	return nil, fmt.Errorf("amqp: giving up after %d attempts: %w", maxRetries, lastErr)
}

func dial(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{exchange: exchange, conn: conn, ch: ch}, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Write(ctx context.Context, ev events.SinkEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.ch.PublishWithContext(ctx, s.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: ev.Key,
		Type:          ev.Type,
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     ev.At,
	})
}

func (s *AMQPSink) Close() error {
	err := s.ch.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
