package store

import (
	"context"
	"errors"
	"time"

	"process-engine/internal/models"
)

// Application-level outcomes, distinct from transient storage failures.
var (
	// ErrDuplicateKey signals an idempotent enqueue: the job key already
	// exists. Not a failure.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNotFound means the job or task does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTerminalState means the row is already succeeded or failed and the
	// requested mutation was rejected. Duplicate callback deliveries hit this.
	ErrTerminalState = errors.New("status is terminal")
	// ErrConflict means a compare-and-swap update lost to a concurrent
	// writer; the caller should re-read and decide again.
	ErrConflict = errors.New("status changed concurrently")
	// ErrStorageUnavailable wraps connection and other transient failures.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// TaskStatusUpdate collects the fields a worker may change on a task row.
// The update is a compare-and-swap: it applies only while the row's current
// status is one of ExpectedStatus (any non-terminal status when empty).
type TaskStatusUpdate struct {
	Key            string
	Status         string
	ExpectedStatus []string
	StartTime      *time.Time
	BackoffUntil   *time.Time
	RequeueCount   *int
}

// Store is the durable source of truth for job and task state. Only the
// store mutates status; queues are caches that reconcile against it.
type Store interface {
	// CreateJob inserts the job and all its tasks atomically. Returns
	// ErrDuplicateKey if the job key is taken.
	CreateJob(ctx context.Context, job models.Job) error
	// GetJob fetches a job with its tasks in processing order.
	GetJob(ctx context.Context, key string) (models.Job, error)
	GetTask(ctx context.Context, key string) (models.Task, error)
	// GetReadyTasks returns tasks eligible to run: job not terminal, task
	// pending or requeued with elapsed backoff, and every lower
	// processing-order sibling succeeded. At most one task per job, ordered
	// by (job, processing order).
	GetReadyTasks(ctx context.Context, limit int) ([]models.Task, error)
	// UpdateTaskStatus applies a compare-and-swap status update and returns
	// the task as written. ErrTerminalState if the row is terminal,
	// ErrConflict if ExpectedStatus did not match.
	UpdateTaskStatus(ctx context.Context, update TaskStatusUpdate) (models.Task, error)
	// UpdateJobStatus transitions a job, ignoring writes to terminal jobs
	// with ErrTerminalState.
	UpdateJobStatus(ctx context.Context, key, status string) error
	Close()
}
