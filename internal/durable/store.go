// Package durable provides the small persistence substrate the workflow
// engine runs on: recorded step results for memoized re-execution and a
// delayed task queue with claim/ack semantics.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors
var (
	// ErrQueueFull is returned when the pending queue is at max capacity
	ErrQueueFull = errors.New("durable: queue is full")
	// ErrTaskExists is returned when a task id is already queued
	ErrTaskExists = errors.New("durable: task already exists in queue")
	// ErrTaskNotFound is returned when acking or nacking an unclaimed task
	ErrTaskNotFound = errors.New("durable: task not found")
)

// VisibilityTimeout is how long a claimed task stays invisible before it
// is considered abandoned and eligible for requeue.
const VisibilityTimeout = 5 * time.Minute

// Task is one unit of queued work. Payload is opaque to the substrate.
type Task struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	ReadyAt    time.Time       `json:"ready_at"`
	Attempts   int             `json:"attempts"`
}

// Store is the substrate port. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveStep records the result of a named workflow step.
	SaveStep(ctx context.Context, workflowID, step string, result []byte) error

	// LoadSteps returns all recorded step results for a workflow.
	LoadSteps(ctx context.Context, workflowID string) (map[string][]byte, error)

	// Enqueue adds a task to the delayed queue. Tasks become claimable
	// once their ReadyAt has passed.
	Enqueue(ctx context.Context, task *Task) error

	// Claim atomically moves up to limit due tasks into the processing
	// set. A claimed task is redelivered only after the visibility
	// timeout expires without an Ack.
	Claim(ctx context.Context, limit int) ([]*Task, error)

	// Ack marks a claimed task as done and discards it.
	Ack(ctx context.Context, taskID string) error

	// Nack returns a claimed task to the queue after retryDelay,
	// incrementing its attempt counter.
	Nack(ctx context.Context, taskID string, retryDelay time.Duration) error

	// RequeueExpired returns abandoned claims to the queue. Claim does
	// this implicitly; the method exists for explicit sweeps.
	RequeueExpired(ctx context.Context) (int, error)

	// Pending returns the number of queued (unclaimed) tasks.
	Pending(ctx context.Context) (int64, error)

	// Close releases the underlying resources.
	Close() error
}
