// Package eventlog appends committed trip and seat events to a Kafka topic
// so downstream consumers can project them.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/fleet-realtime/internal/models"
	"github.com/segmentio/kafka-go"
)

const (
	KindStatus = "status"
	KindSeat   = "seat"
)

// Record is one entry on the stream. Exactly one of Status and Seat is set.
type Record struct {
	Kind   string              `json:"kind"`
	Status *models.StatusEvent `json:"status,omitempty"`
	Seat   *models.SeatEvent   `json:"seat,omitempty"`
}

// MessageWriter is the part of kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  MessageWriter
	timeout time.Duration
	logger  *slog.Logger
}

func NewKafkaProducer(brokers []string, topic string, logger *slog.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return NewProducerWithWriter(w, logger)
}

func NewProducerWithWriter(w MessageWriter, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second, logger: logger.With("component", "eventlog")}
}

// PublishStatus appends a status event keyed by trip id so one trip's
// events stay on one partition in commit order.
func (k *KafkaProducer) PublishStatus(ctx context.Context, ev models.StatusEvent) error {
	return k.write(ctx, ev.TripID, Record{Kind: KindStatus, Status: &ev})
}

func (k *KafkaProducer) PublishSeat(ctx context.Context, ev models.SeatEvent) error {
	return k.write(ctx, ev.TripID, Record{Kind: KindSeat, Seat: &ev})
}

func (k *KafkaProducer) write(ctx context.Context, key string, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b}); err != nil {
		return fmt.Errorf("write %s event for trip %s: %w", rec.Kind, key, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Decode parses a stream record.
func Decode(b []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, err
	}
	switch rec.Kind {
	case KindStatus:
		if rec.Status == nil {
			return Record{}, fmt.Errorf("status record without status")
		}
	case KindSeat:
		if rec.Seat == nil {
			return Record{}, fmt.Errorf("seat record without seat")
		}
	default:
		return Record{}, fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	return rec, nil
}
