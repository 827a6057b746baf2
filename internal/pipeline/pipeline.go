package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/yihaochen/urban-growth/internal/domain"
	"github.com/yihaochen/urban-growth/internal/observability"
	"github.com/yihaochen/urban-growth/internal/processor"
)

// Consumer hands out one job delivery at a time.
type Consumer interface {
	Fetch(ctx context.Context) (domain.Delivery, error)
}

// SceneProcessor runs one scene job. Abandon settles a job that will not be
// retried again.
type SceneProcessor interface {
	Process(ctx context.Context, job domain.Job) (processor.Outcome, error)
	Abandon(ctx context.Context, job domain.Job) (processor.Outcome, error)
}

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Pipeline is the worker loop: fetch, process, then ack, retry or dead-letter.
type Pipeline struct {
	consumer    Consumer
	processor   SceneProcessor
	logger      *slog.Logger
	metrics     *observability.Metrics
	maxAttempts int
	ready       atomic.Bool
}

// New creates a Pipeline. Jobs failing transiently are requeued until they
// have been attempted maxAttempts times.
func New(c Consumer, p SceneProcessor, logger *slog.Logger, metrics *observability.Metrics, maxAttempts int) *Pipeline {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Pipeline{
		consumer:    c,
		processor:   p,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: maxAttempts,
	}
}

// CheckReadiness returns nil once the pipeline has finished at least one job,
// or an error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not processed any jobs yet")
	}
	return nil
}

// Run consumes jobs until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "max_attempts", p.maxAttempts)
	p.metrics.PipelineRunning.Inc()
	defer p.metrics.PipelineRunning.Dec()

	// Exponential backoff: start at 200ms, double each failure, cap at 5s.
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if !p.step(ctx, &backoff) {
			return nil
		}
	}
}

// step fetches and handles one delivery. Returns false if the pipeline should stop.
func (p *Pipeline) step(ctx context.Context, backoff *time.Duration) bool {
	d, err := p.consumer.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Error("fetch job failed", "error", err)
		return p.backoffOrStop(ctx, backoff)
	}

	start := time.Now()
	p.metrics.JobsConsumed.Inc()
	failed := p.handle(ctx, d)
	p.metrics.SceneProcessingDuration.Observe(time.Since(start).Seconds())

	if failed {
		return p.backoffOrStop(ctx, backoff)
	}
	*backoff = initialBackoff
	return true
}

// handle settles one delivery and reports whether it failed transiently.
func (p *Pipeline) handle(ctx context.Context, d domain.Delivery) bool {
	log := p.logger.With("job_id", d.JobID, "attempt", d.Attempt)

	if d.DecodeErr != nil {
		p.metrics.PoisonJobs.Inc()
		log.Warn("discarding undecodable job", "error", d.DecodeErr)
		p.ack(ctx, log, d)
		return false
	}
	log = log.With("query_id", d.Job.QueryID, "product_id", d.Job.ProductID)

	out, err := p.processor.Process(ctx, d.Job)
	switch {
	case err == nil:
		p.ack(ctx, log, d)
		p.ready.Store(true)
		if s, ok := out.(processor.Skipped); ok {
			log.Debug("job settled as skipped", "reason", s.Reason)
		}
		return false

	case errors.Is(err, domain.ErrPoisonJob):
		p.metrics.PoisonJobs.Inc()
		log.Warn("discarding unkeyable job", "error", err)
		p.ack(ctx, log, d)
		return false

	case ctx.Err() != nil:
		// Shutdown interrupted the job; leave it unacked for redelivery.
		return false
	}

	p.metrics.TransientErrors.Inc()
	if d.Attempt >= p.maxAttempts {
		p.deadLetter(ctx, log, d, err)
		return true
	}

	log.Warn("job failed, retrying", "error", err)
	p.metrics.JobsRetried.Inc()
	p.requeue(ctx, log, d)
	return true
}

// deadLetter stops retrying a job. Its scene is abandoned first so the query
// can still complete; when that fails too the job is requeued and the next
// delivery tries again.
func (p *Pipeline) deadLetter(ctx context.Context, log *slog.Logger, d domain.Delivery, cause error) {
	out, err := p.processor.Abandon(ctx, d.Job)
	switch {
	case err == nil, errors.Is(err, domain.ErrPoisonJob):
	case ctx.Err() != nil:
		return
	default:
		log.Error("abandon job failed, requeueing", "error", err, "cause", cause)
		p.requeue(ctx, log, d)
		return
	}

	p.metrics.JobsDeadLettered.Inc()
	attrs := []any{"error", cause, "max_attempts", p.maxAttempts}
	if s, ok := out.(processor.Skipped); ok {
		attrs = append(attrs, "applied", s.Applied, "remaining", s.Remaining)
	}
	log.Error("job failed too many times, dead-lettering", attrs...)
	p.ack(ctx, log, d)
}

func (p *Pipeline) requeue(ctx context.Context, log *slog.Logger, d domain.Delivery) {
	if d.Retry == nil {
		return
	}
	if err := d.Retry(ctx); err != nil {
		log.Warn("requeue job failed", "error", err)
	}
}

func (p *Pipeline) ack(ctx context.Context, log *slog.Logger, d domain.Delivery) {
	if d.Ack == nil {
		return
	}
	if err := d.Ack(ctx); err != nil {
		log.Warn("ack job failed", "error", err)
	}
}

// backoffOrStop sleeps with the current backoff and advances it.
// Returns false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return true
}

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
