// Package kafka carries scene jobs over a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/yihaochen/urban-growth/internal/config"
	"github.com/yihaochen/urban-growth/internal/domain"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Consumer reads scene jobs as a member of the worker consumer group.
// Offsets are committed only when a delivery is acked or retried. A message
// whose requeue fails is handed out again before anything newer, so a later
// commit never skips past it.
// It implements pipeline.Consumer.
type Consumer struct {
	reader messageReader
	writer messageWriter
	logger *slog.Logger

	mu   sync.Mutex
	held *kafkago.Message
}

// NewConsumer creates a group reader on the job topic. Retries are written
// back to the same topic.
func NewConsumer(cfg *config.Config, logger *slog.Logger) *Consumer {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  cfg.KafkaGroupID,
		Topic:    cfg.KafkaJobTopic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaJobTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Consumer{reader: r, writer: w, logger: logger}
}

// Fetch blocks for the next message and wraps it as a delivery. A payload
// that does not decode is still returned, with DecodeErr set, so the caller
// can ack it away.
func (c *Consumer) Fetch(ctx context.Context) (domain.Delivery, error) {
	msg, err := c.next(ctx)
	if err != nil {
		return domain.Delivery{}, fmt.Errorf("fetch message: %w", err)
	}

	d := mapMessageToDelivery(msg)
	d.Ack = func(ctx context.Context) error {
		return c.reader.CommitMessages(ctx, msg)
	}
	d.Retry = func(ctx context.Context) error {
		next, err := serializeJob(d.Job, d.JobID, d.Attempt+1)
		if err != nil {
			return err
		}
		if err := c.writer.WriteMessages(ctx, next); err != nil {
			c.hold(msg)
			return fmt.Errorf("requeue job: %w", err)
		}
		return c.reader.CommitMessages(ctx, msg)
	}
	return d, nil
}

func (c *Consumer) next(ctx context.Context) (kafkago.Message, error) {
	c.mu.Lock()
	held := c.held
	c.held = nil
	c.mu.Unlock()
	if held != nil {
		return *held, nil
	}
	return c.reader.FetchMessage(ctx)
}

func (c *Consumer) hold(msg kafkago.Message) {
	c.mu.Lock()
	c.held = &msg
	c.mu.Unlock()
	c.logger.Warn("requeue failed, holding job for redelivery",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
}

func (c *Consumer) Close() error {
	return errors.Join(c.reader.Close(), c.writer.Close())
}

// mapMessageToDelivery extracts the job and its attempt bookkeeping from a
// message. Missing headers mean a first attempt.
func mapMessageToDelivery(msg kafkago.Message) domain.Delivery {
	d := domain.Delivery{
		JobID:   fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
		Attempt: 1,
	}
	for _, h := range msg.Headers {
		switch h.Key {
		case headerJobID:
			d.JobID = string(h.Value)
		case headerAttempt:
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				d.Attempt = n
			}
		}
	}
	d.Job, d.DecodeErr = domain.DecodeJob(msg.Value)
	return d
}
