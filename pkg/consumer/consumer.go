// Package consumer reads JSON messages of one type from a Kafka topic.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// ErrBadMessage marks a message that could not be decoded. It has been committed
// already; callers log it and read on.
var ErrBadMessage = errors.New("undecodable message")

type Config struct {
	Brokers []string `yaml:"brokers" validate:"required,min=1"`
	GroupID string   `yaml:"group_id" validate:"required"`
	Topic   string   `yaml:"topic" validate:"required"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer[T any] struct {
	reader messageReader
}

func NewConsumer[T any](cfg Config) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return &Consumer[T]{reader: r}
}

// Message is a decoded payload with the commit handle of its message.
type Message[T any] struct {
	Payload T
	Key     []byte
	raw     kafka.Message
}

// Fetch returns the next message without committing it, so a crash while the
// payload is processed redelivers it.
func (c *Consumer[T]) Fetch(ctx context.Context) (Message[T], error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message[T]{}, err
	}
	var payload T
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		if cerr := c.reader.CommitMessages(ctx, msg); cerr != nil {
			return Message[T]{}, cerr
		}
		return Message[T]{}, fmt.Errorf("%w at offset %d: %v", ErrBadMessage, msg.Offset, err)
	}
	return Message[T]{Payload: payload, Key: msg.Key, raw: msg}, nil
}

func (c *Consumer[T]) Commit(ctx context.Context, m Message[T]) error {
	return c.reader.CommitMessages(ctx, m.raw)
}

// Read fetches and commits the next message right away.
func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	m, err := c.Fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return m.Payload, c.Commit(ctx, m)
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
