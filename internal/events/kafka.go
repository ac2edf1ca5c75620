package events

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
)

// KafkaSink publishes events to a topic, keyed by pair so one pair stays ordered.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "kafka event producer")
	}
	return NewKafkaSinkWithProducer(producer, topic), nil
}

func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (k *KafkaSink) Publish(_ context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.Pair),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s/%s event", ev.Kind, ev.Action)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
