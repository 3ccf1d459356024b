package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"process-engine/internal/models"
	"process-engine/internal/telemetry"
)

// TaskRequest describes one task of an enqueue request. Processing order is
// the position in the request slice.
type TaskRequest struct {
	Key     string               `json:"key,omitempty"`
	Command models.Command       `json:"command"`
	Retry   models.RetryStrategy `json:"retryStrategy"`
	Actor   *models.Actor        `json:"actor,omitempty"`
}

// Request is a process engine enqueue: one job with its ordered tasks.
// JobKey doubles as the caller's idempotency key.
type Request struct {
	JobKey   string                     `json:"jobKey,omitempty"`
	Actor    models.Actor               `json:"actor"`
	Instance models.InstanceInformation `json:"instance"`
	Tasks    []TaskRequest              `json:"tasks"`
}

func (r Request) validate() error {
	if len(r.Tasks) == 0 {
		return errors.New("request has no tasks")
	}
	if r.Instance.Org == "" || r.Instance.App == "" || r.Instance.InstanceGUID == "" {
		return errors.New("request is missing instance information")
	}
	for i, task := range r.Tasks {
		if err := task.Command.Validate(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
	}
	return nil
}

func (r Request) toJob(now time.Time) models.Job {
	jobKey := r.JobKey
	if jobKey == "" {
		jobKey = uuid.New().String()
	}
	job := models.Job{
		Key:       jobKey,
		Status:    models.StatusPending,
		Actor:     r.Actor,
		Instance:  r.Instance,
		CreatedAt: now,
	}
	for i, tr := range r.Tasks {
		taskKey := tr.Key
		if taskKey == "" {
			taskKey = uuid.New().String()
		}
		actor := r.Actor
		if tr.Actor != nil {
			actor = *tr.Actor
		}
		retry := tr.Retry
		if retry.Type == "" {
			retry = models.NoRetry()
		}
		job.Tasks = append(job.Tasks, models.Task{
			Key:             taskKey,
			JobKey:          jobKey,
			Status:          models.StatusPending,
			ProcessingOrder: i,
			Actor:           actor,
			Command:         tr.Command,
			Retry:           retry,
			CreatedAt:       now,
		})
	}
	return job
}

// Enqueue persists the job with its tasks and offers the first task to the
// workers. Duplicate job keys surface store.ErrDuplicateKey without side
// effects, which is the idempotent-enqueue signal.
func (e *Engine) Enqueue(ctx context.Context, req Request) (models.Job, error) {
	if err := req.validate(); err != nil {
		return models.Job{}, err
	}

	job := req.toJob(time.Now().UTC())
	if err := e.store.CreateJob(ctx, job); err != nil {
		return models.Job{}, err
	}
	if err := e.queue.EnqueueReady(ctx, job.Tasks[0].Key); err != nil {
		// The reconciler will pick the task up from the store.
		e.logger.Warn("offer first task", zap.String("job", job.Key), zap.Error(err))
	}
	telemetry.JobsEnqueued.Inc()
	e.logger.Info("job enqueued",
		zap.String("job", job.Key),
		zap.Int("tasks", len(job.Tasks)),
		zap.String("org", job.Instance.Org),
		zap.String("app", job.Instance.App))
	return job, nil
}
