package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue writes jobs to a topic keyed by idempotency key.
type KafkaQueue struct {
	writer messageWriter
}

func NewKafkaQueue(brokers []string, topic string) *KafkaQueue {
	return &KafkaQueue{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, job Job) error {
	value, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	err = q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(job.Kind)},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "enqueue %s job %s", job.Kind, job.Key)
	}
	return nil
}

func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}
