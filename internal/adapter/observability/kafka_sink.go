package observability

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"payment-reliability-engine/internal/core/domain"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a writer for the event topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}
}

// KafkaSink publishes events keyed by payment id so one payment's events
// stay ordered within a partition. Emit only enqueues; a background loop
// writes in batches and drops events when the buffer is full.
type KafkaSink struct {
	writer MessageWriter
	log    zerolog.Logger
	queue  chan kafka.Message
	batch  int
	done   chan struct{}
	once   sync.Once
}

// NewKafkaSink starts the publish loop. Close stops it.
func NewKafkaSink(writer MessageWriter, buffer int, log zerolog.Logger) *KafkaSink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &KafkaSink{
		writer: writer,
		log:    log.With().Str("component", "kafka_sink").Logger(),
		queue:  make(chan kafka.Message, buffer),
		batch:  100,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *KafkaSink) Emit(_ context.Context, ev domain.Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to encode event")
		return
	}
	key := ev.Target
	if ev.PaymentID != nil {
		key = ev.PaymentID.String()
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}
	select {
	case s.queue <- msg:
	default:
		s.log.Warn().Str("type", string(ev.Type)).Msg("event buffer full, dropping event")
	}
}

func (s *KafkaSink) run() {
	defer close(s.done)
	for msg := range s.queue {
		batch := []kafka.Message{msg}
	drain:
		for len(batch) < s.batch {
			select {
			case m, ok := <-s.queue:
				if !ok {
					break drain
				}
				batch = append(batch, m)
			default:
				break drain
			}
		}
		s.write(batch)
	}
}

func (s *KafkaSink) write(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, batch...); err != nil {
		s.log.Error().Err(err).Int("count", len(batch)).Msg("failed to publish events")
	}
}

// Close flushes queued events and closes the writer. Emit must not be
// called after Close.
func (s *KafkaSink) Close() error {
	var err error
	s.once.Do(func() {
		close(s.queue)
		<-s.done
		err = s.writer.Close()
	})
	return err
}
