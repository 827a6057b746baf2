package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/yihaochen/urban-growth/internal/domain"
)

type message struct {
	job     domain.Job
	jobID   string
	attempt int
}

// Queue is an unbounded in-process job queue with at-least-once semantics:
// a fetched job stays in flight until acked, and Redeliver puts every
// unacked job back.
type Queue struct {
	mu       sync.Mutex
	pending  []message
	inflight map[uint64]message
	nextTag  uint64
	notify   chan struct{}
	acked    int
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{
		inflight: make(map[uint64]message),
		notify:   make(chan struct{}, 1),
	}
}

// Publish enqueues jobs at attempt 1.
func (q *Queue) Publish(_ context.Context, jobs []domain.Job) error {
	q.mu.Lock()
	for _, j := range jobs {
		q.pending = append(q.pending, message{job: j, jobID: uuid.NewString(), attempt: 1})
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

// Fetch blocks until a job is available or ctx is done.
func (q *Queue) Fetch(ctx context.Context) (domain.Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			msg := q.pending[0]
			q.pending = q.pending[1:]
			q.nextTag++
			tag := q.nextTag
			q.inflight[tag] = msg
			if len(q.pending) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return q.delivery(tag, msg), nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Delivery{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *Queue) delivery(tag uint64, msg message) domain.Delivery {
	return domain.Delivery{
		Job:     msg.job,
		JobID:   msg.jobID,
		Attempt: msg.attempt,
		Ack: func(context.Context) error {
			q.mu.Lock()
			defer q.mu.Unlock()
			if _, ok := q.inflight[tag]; ok {
				delete(q.inflight, tag)
				q.acked++
			}
			return nil
		},
		Retry: func(context.Context) error {
			q.mu.Lock()
			if _, ok := q.inflight[tag]; ok {
				delete(q.inflight, tag)
				q.acked++
				msg.attempt++
				q.pending = append(q.pending, msg)
			}
			q.mu.Unlock()
			q.signal()
			return nil
		},
	}
}

// Redeliver moves every in-flight job back to the queue, as a broker does
// when a consumer dies before acknowledging.
func (q *Queue) Redeliver() int {
	q.mu.Lock()
	n := len(q.inflight)
	for tag, msg := range q.inflight {
		q.pending = append(q.pending, msg)
		delete(q.inflight, tag)
	}
	q.mu.Unlock()
	if n > 0 {
		q.signal()
	}
	return n
}

// Pending returns the number of jobs waiting to be fetched.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Acked returns the number of deliveries acknowledged so far.
func (q *Queue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

func (q *Queue) Close() error { return nil }

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
