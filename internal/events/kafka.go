package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaWriter wraps kafka.Writer methods for testing
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReader wraps kafka.Reader methods for testing
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes events as JSON keyed by batch id.
type KafkaPublisher struct {
	writer KafkaWriter
	topic  string
	log    zerolog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log zerolog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka publisher needs brokers and a topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(w, topic, log), nil
}

func newKafkaPublisher(w KafkaWriter, topic string, log zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev BatchCompleted) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode batch event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.BatchID), Value: value}); err != nil {
		p.log.Error().Err(err).Str("topic", p.topic).Str("batch_id", ev.BatchID).Msg("failed to publish batch event")
		return fmt.Errorf("publish batch %s to %s: %w", ev.BatchID, p.topic, err)
	}
	p.log.Debug().Str("topic", p.topic).Str("batch_id", ev.BatchID).Msg("batch event published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer for %s: %w", p.topic, err)
	}
	return nil
}

// KafkaSubscriber consumes events with a consumer group. A message whose
// handler fails is retried after a backoff; its offset is committed only
// once the handler succeeds.
type KafkaSubscriber struct {
	reader  KafkaReader
	topic   string
	log     zerolog.Logger
	backoff time.Duration
}

func NewKafkaSubscriber(brokers []string, topic, groupID string, log zerolog.Logger) (*KafkaSubscriber, error) {
	if len(brokers) == 0 || topic == "" || groupID == "" {
		return nil, fmt.Errorf("kafka subscriber needs brokers, a topic and a group id")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.FirstOffset,
	})
	return newKafkaSubscriber(r, topic, log), nil
}

func newKafkaSubscriber(r KafkaReader, topic string, log zerolog.Logger) *KafkaSubscriber {
	return &KafkaSubscriber{reader: r, topic: topic, log: log, backoff: time.Second}
}

// Subscribe starts the fetch loop in the background and returns.
func (s *KafkaSubscriber) Subscribe(ctx context.Context, h Handler) error {
	s.log.Info().Str("topic", s.topic).Msg("subscribed to batch events")
	go s.loop(ctx, h)
	return nil
}

func (s *KafkaSubscriber) loop(ctx context.Context, h Handler) {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error().Err(err).Str("topic", s.topic).Msg("failed to fetch batch event")
			if !s.wait(ctx) {
				return
			}
			continue
		}
		if !s.process(ctx, msg, h) {
			return
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			s.log.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit batch event")
		}
	}
}

// process runs h on msg until it succeeds. Commits are cumulative per
// partition, so the loop must not move past a message that has not been
// handled. Undecodable messages are logged and skipped. It returns false
// once ctx ends.
func (s *KafkaSubscriber) process(ctx context.Context, msg kafka.Message, h Handler) bool {
	var ev BatchCompleted
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		s.log.Error().Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("undecodable batch event skipped")
		return true
	}
	for attempt := 1; ; attempt++ {
		err := h(ctx, ev)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		s.log.Error().Err(err).
			Str("batch_id", ev.BatchID).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Int("attempt", attempt).
			Msg("batch event not processed, retrying")
		if !s.wait(ctx) {
			return false
		}
	}
}

func (s *KafkaSubscriber) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.backoff):
		return true
	}
}

func (s *KafkaSubscriber) Close() error { return s.reader.Close() }
