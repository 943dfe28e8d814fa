package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaPublisher struct {
	w *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	const op = "events.Publish"

	msg, err := encode(e)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// Messages are keyed by image id so one image's events stay ordered.
func encode(e Event) (kafka.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(e.ImageID.String()),
		Value:   data,
		Headers: []kafka.Header{{Key: "type", Value: []byte(e.Type)}},
	}, nil
}

type ListenConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Listen consumes the lifecycle topic and signals wake for every uploaded
// image. Signals are dropped when wake is full. It returns when ctx ends.
func Listen(ctx context.Context, cfg ListenConfig, wake chan<- struct{}, log *slog.Logger) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			log.Warn("error reading lifecycle event", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if signalled := dispatch(msg, wake); signalled {
			log.Debug("worker woken by upload", "image_id", string(msg.Key))
		}
	}
}

func dispatch(msg kafka.Message, wake chan<- struct{}) bool {
	var e Event
	if err := json.Unmarshal(msg.Value, &e); err != nil || e.Type != ImageUploaded {
		return false
	}
	select {
	case wake <- struct{}{}:
		return true
	default:
		return false
	}
}
