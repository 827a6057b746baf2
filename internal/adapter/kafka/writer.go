package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/yihaochen/urban-growth/internal/config"
	"github.com/yihaochen/urban-growth/internal/domain"
)

const (
	headerJobID   = "job_id"
	headerAttempt = "attempt"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher produces scene jobs to the job topic.
// It implements domain.JobPublisher.
type Publisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the configured job topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaJobTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: w, logger: logger}
}

// Publish serializes every job and writes them in a single WriteMessages call.
func (p *Publisher) Publish(ctx context.Context, jobs []domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(jobs))
	for i := range jobs {
		msg, err := serializeJob(jobs[i], uuid.NewString(), 1)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d jobs: %w", len(msgs), err)
	}
	p.logger.Debug("jobs published", "count", len(msgs))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeJob marshals a Job into a Kafka message keyed by query and product,
// so every attempt of a scene lands on the same partition.
func serializeJob(job domain.Job, jobID string, attempt int) (kafkago.Message, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize job: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(job.Key()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: headerJobID, Value: []byte(jobID)},
			{Key: headerAttempt, Value: []byte(strconv.Itoa(attempt))},
		},
	}, nil
}
