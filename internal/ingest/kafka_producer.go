package ingest

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
)

// messageWriter is the part of *kafka.Writer the producers use.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
}

// LocationMessage is the driver-locations record. cmd/consumer reads the
// same shape back.
type LocationMessage struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"ts"`
}

// LocationProducer feeds accepted location updates to the shared location
// stream, keyed by driver so one driver's updates stay in one partition.
type LocationProducer struct {
	writer messageWriter
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	return &LocationProducer{writer: newWriter(brokers, topic)}
}

func (k *LocationProducer) PublishLocation(ctx context.Context, p models.DriverPresence) error {
	if p.Loc == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(LocationMessage{
		DriverID:  p.DriverID,
		Lat:       p.Loc.Lat,
		Lng:       p.Loc.Lng,
		Online:    p.Online,
		Timestamp: p.LocUpdated,
	})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(p.DriverID), Value: b})
}

func (k *LocationProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// KafkaSink mirrors lifecycle events to the ride-events topic for the
// trip-history read model. Messages are keyed by ride id.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: newWriter(brokers, topic)}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Write(ctx context.Context, ev events.SinkEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Key),
		Value: b,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
