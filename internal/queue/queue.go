// Package queue buffers accepted offers between the admission pipeline and
// the browser-automation worker that clicks accept links. A Redis-backed
// queue survives restarts; the in-memory queue serves single-process setups
// without a Redis.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/portal-intake/internal/ledger"
)

// ErrQueueFull is returned when an enqueue would block.
var ErrQueueFull = errors.New("dispatch queue full")

// Job is one accept dispatch: the parsed offer plus its committed plan.
type Job struct {
	ID             string             `json:"id"`
	OrderID        string             `json:"orderId"`
	WorkflowName   string             `json:"workflowName"`
	AmountWords    float64            `json:"amountWords"`
	PlannedEndDate string             `json:"plannedEndDate"`
	AcceptURL      string             `json:"acceptUrl"`
	Plan           []ledger.PlanEntry `json:"plan"`
	EnqueuedAt     string             `json:"enqueuedAt"`
}

// NewJob stamps a job with an ID and enqueue time.
func NewJob(orderID, workflowName string, amountWords float64, plannedEnd, acceptURL string, plan []ledger.PlanEntry) Job {
	return Job{
		ID:             uuid.New().String(),
		OrderID:        orderID,
		WorkflowName:   workflowName,
		AmountWords:    amountWords,
		PlannedEndDate: plannedEnd,
		AcceptURL:      acceptURL,
		Plan:           plan,
		EnqueuedAt:     time.Now().Format(time.RFC3339),
	}
}

// Queue hands accepted offers to the automation worker.
type Queue interface {
	// Enqueue adds a job. It must not block on a slow consumer.
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available or the context ends.
	Dequeue(ctx context.Context) (Job, error)
	// Len reports the number of queued jobs.
	Len(ctx context.Context) (int, error)
	// Close releases the queue's resources.
	Close() error
}

// Memory is a process-local queue backed by a buffered channel.
type Memory struct {
	jobs chan Job
}

// NewMemory creates an in-memory queue holding up to size jobs (default 1024).
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{jobs: make(chan Job, size)}
}

// Enqueue adds a job or fails immediately when the buffer is full.
func (m *Memory) Enqueue(ctx context.Context, job Job) error {
	select {
	case m.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks until a job arrives or the context ends.
func (m *Memory) Dequeue(ctx context.Context) (Job, error) {
	select {
	case job := <-m.jobs:
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Len reports the buffered job count.
func (m *Memory) Len(ctx context.Context) (int, error) {
	return len(m.jobs), nil
}

// Close is a no-op for the in-memory queue.
func (m *Memory) Close() error { return nil }
