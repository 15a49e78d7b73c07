package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/vwt/pkg/lg"
	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Producer publishes JSON messages on one topic.
type Producer struct {
	writer  messageWriter
	topic   string
	retries int
	lg      lg.Logger
}

func newKafkaProducer(brokers []string, topic string, retries int, logger lg.Logger) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		topic:   topic,
		retries: retries,
		lg:      logger,
	}
}

// Publish writes v keyed by key, retrying with exponential backoff.
func (p *Producer) Publish(ctx context.Context, key []byte, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	msg := kafka.Message{Key: key, Value: value, Time: time.Now()}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(p.retries, 0))), ctx)

	return backoff.RetryNotify(func() error {
		return p.writer.WriteMessages(ctx, msg)
	}, policy, func(err error, wait time.Duration) {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			p.lg.Error("Kafka topic does not exist",
				lg.String("topic", p.topic),
				lg.String("action", "Create the topic manually or enable auto-creation"))
		}
		p.lg.Warn("publish failed, retrying", lg.Err(err), lg.Duration("wait", wait))
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
