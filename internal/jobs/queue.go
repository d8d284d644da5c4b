// Package jobs runs scoring in the background. Completing a round enqueues a
// job; a worker scores the round and then adapts the next one. Delivery is
// at-least-once, so handlers must be idempotent.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Job identifies one round to score.
type Job struct {
	SessionID   string `json:"session_id"`
	RoundNumber int    `json:"round_number"`
	Attempt     int    `json:"attempt,omitempty"`
}

// Handler processes a job. A returned error schedules a retry.
type Handler func(ctx context.Context, job Job) error

// Queue is a durable scoring queue.
type Queue interface {
	EnqueueScoring(ctx context.Context, sessionID string, roundNumber int) error
	Run(ctx context.Context, h Handler) error
	Ping(ctx context.Context) error
}

// RetryPolicy controls redelivery of failed jobs.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries five times starting at one second.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Minute}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = max(p.BaseDelay, DefaultRetryPolicy.MaxDelay)
	}
	return p
}

// Backoff returns the delay before the given attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt <= 1 {
		return p.BaseDelay
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

func encodeJob(job Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	return data, nil
}

func decodeJob(data []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if job.SessionID == "" || job.RoundNumber <= 0 {
		return Job{}, fmt.Errorf("decode job: missing session or round")
	}
	return job, nil
}
