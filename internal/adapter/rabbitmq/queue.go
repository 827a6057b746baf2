// Package rabbitmq carries scene jobs over a durable RabbitMQ queue.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/yihaochen/urban-growth/internal/domain"
)

const (
	headerJobID   = "job_id"
	headerAttempt = "attempt"
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Queue publishes and consumes jobs on one durable queue with manual acks
// and a prefetch of one per consumer channel.
// It implements domain.JobPublisher and pipeline.Consumer.
type Queue struct {
	conn       *amqp.Connection
	pub        publisher
	name       string
	deliveries <-chan amqp.Delivery
	logger     *slog.Logger
}

// Dial connects, declares the queue and starts consuming.
func Dial(url, queue string, logger *slog.Logger) (*Queue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return &Queue{conn: conn, pub: ch, name: queue, deliveries: msgs, logger: logger}, nil
}

// Publish sends each job as a persistent message.
func (q *Queue) Publish(ctx context.Context, jobs []domain.Job) error {
	for _, j := range jobs {
		if err := q.publish(ctx, j, uuid.NewString(), 1); err != nil {
			return err
		}
	}
	q.logger.Debug("jobs published", "queue", q.name, "count", len(jobs))
	return nil
}

func (q *Queue) publish(ctx context.Context, job domain.Job, jobID string, attempt int) error {
	msg, err := serializeJob(job, jobID, attempt)
	if err != nil {
		return err
	}
	if err := q.pub.PublishWithContext(ctx, "", q.name, false, false, msg); err != nil {
		return fmt.Errorf("publish job %s: %w", jobID, err)
	}
	return nil
}

// Fetch waits for the next delivery.
func (q *Queue) Fetch(ctx context.Context) (domain.Delivery, error) {
	select {
	case <-ctx.Done():
		return domain.Delivery{}, ctx.Err()
	case m, ok := <-q.deliveries:
		if !ok {
			return domain.Delivery{}, errors.New("rabbitmq delivery channel closed")
		}
		d := mapDelivery(m)
		d.Ack = func(context.Context) error {
			return m.Ack(false)
		}
		d.Retry = func(ctx context.Context) error {
			if err := q.publish(ctx, d.Job, d.JobID, d.Attempt+1); err != nil {
				// Requeue the original; an unsettled delivery holds the prefetch slot.
				return errors.Join(err, m.Nack(false, true))
			}
			return m.Ack(false)
		}
		return d, nil
	}
}

func (q *Queue) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

func serializeJob(job domain.Job, jobID string, attempt int) (amqp.Publishing, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("serialize job: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    jobID,
		Headers:      amqp.Table{headerJobID: jobID, headerAttempt: int32(attempt)},
		Body:         data,
	}, nil
}

func mapDelivery(m amqp.Delivery) domain.Delivery {
	d := domain.Delivery{JobID: m.MessageId, Attempt: 1}
	if id, ok := m.Headers[headerJobID].(string); ok && id != "" {
		d.JobID = id
	}
	switch n := m.Headers[headerAttempt].(type) {
	case int32:
		d.Attempt = int(n)
	case int64:
		d.Attempt = int(n)
	case int:
		d.Attempt = n
	}
	if d.Attempt < 1 {
		d.Attempt = 1
	}
	d.Job, d.DecodeErr = domain.DecodeJob(m.Body)
	return d
}
