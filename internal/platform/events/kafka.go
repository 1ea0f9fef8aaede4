package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const source = "mpi"

// Envelope is the JSON value of every message the producer writes.
type Envelope struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Source     string      `json:"source"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes events to a single Kafka topic. Messages are keyed so that
// all events of one patient land on the same partition, in order.
type Producer struct {
	writer  messageWriter
	brokers []string
	topic   string
	logger  zerolog.Logger
	now     func() time.Time
}

func NewProducer(brokers []string, topic string, logger zerolog.Logger) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	p := newProducer(w, topic, logger)
	p.brokers = brokers
	return p
}

func newProducer(w messageWriter, topic string, logger zerolog.Logger) *Producer {
	return &Producer{
		writer: w,
		topic:  topic,
		logger: logger.With().Str("component", "events").Str("topic", topic).Logger(),
		now:    time.Now,
	}
}

func (p *Producer) Publish(ctx context.Context, eventType, key string, payload interface{}) error {
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		Source:     source,
		OccurredAt: p.now().UTC(),
		Data:       payload,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(env.ID)},
			{Key: "event-type", Value: []byte(eventType)},
			{Key: "source", Value: []byte(source)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s event: %w", eventType, err)
	}

	p.logger.Debug().
		Str("event_id", env.ID).
		Str("event_type", eventType).
		Msg("event published")
	return nil
}

// Ping dials the brokers until one answers, for health checks.
func (p *Producer) Ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		return nil
	}
	return fmt.Errorf("dial kafka: %w", lastErr)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
