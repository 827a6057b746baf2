package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// Job is the queue message for one scene of one query.
type Job struct {
	QueryID   string `json:"query_id"`
	ProductID string `json:"product_id"`
	RegionRef string `json:"region_reference"`
}

// Validate reports ErrPoisonJob when a required field is missing.
func (j Job) Validate() error {
	switch {
	case j.QueryID == "":
		return fmt.Errorf("%w: missing query_id", ErrPoisonJob)
	case j.ProductID == "":
		return fmt.Errorf("%w: missing product_id", ErrPoisonJob)
	case j.RegionRef == "":
		return fmt.Errorf("%w: missing region_reference", ErrPoisonJob)
	}
	return nil
}

// DecodeJob parses and validates a queue payload.
func DecodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("%w: decode job: %v", ErrPoisonJob, err)
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Key returns the partition key of a job. Redeliveries of the same scene share it.
func (j Job) Key() string {
	return j.QueryID + "/" + j.ProductID
}

// Delivery is one job handed to a worker by a queue consumer.
type Delivery struct {
	Job Job
	// JobID correlates every attempt of the same job in logs.
	JobID string
	// Attempt starts at 1 and grows with each Retry.
	Attempt int
	// DecodeErr is set when the payload could not be decoded; Job is then zero.
	DecodeErr error

	// Ack removes the message from the queue.
	Ack func(ctx context.Context) error
	// Retry requeues the job with Attempt+1 and acknowledges this delivery.
	Retry func(ctx context.Context) error
}
