// Package engine implements the process engine runtime: a worker pool that
// pulls ready tasks from the store-backed queue, executes their commands,
// and drives the job/task state machine with retry and backoff.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"process-engine/internal/callback"
	"process-engine/internal/models"
	"process-engine/internal/queue"
	"process-engine/internal/retry"
	"process-engine/internal/store"
	"process-engine/internal/telemetry"
)

// Options wires the engine's collaborators and tuning knobs.
type Options struct {
	Store     store.Store
	Queue     *queue.TaskQueue
	Callbacks *callback.Client
	Delegates *DelegateRegistry
	Webhooks  *WebhookCoordinator
	Logger    *zap.Logger

	// Workers is the parallelism across jobs; within one job tasks still
	// run strictly sequentially.
	Workers            int
	PollInterval       time.Duration
	ReconcileInterval  time.Duration
	ReconcileBatchSize int
	// WebhookMaxWait is the default ceiling for webhook-commanded tasks
	// whose command does not carry its own.
	WebhookMaxWait time.Duration
}

// Engine runs the scheduler loops. Construct with New, start with Run.
type Engine struct {
	store     store.Store
	queue     *queue.TaskQueue
	callbacks *callback.Client
	delegates *DelegateRegistry
	webhooks  *WebhookCoordinator
	logger    *zap.Logger

	workers            int
	pollInterval       time.Duration
	reconcileInterval  time.Duration
	reconcileBatchSize int
	webhookMaxWait     time.Duration
}

func New(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.ReconcileInterval == 0 {
		opts.ReconcileInterval = time.Second
	}
	if opts.ReconcileBatchSize == 0 {
		opts.ReconcileBatchSize = 100
	}
	if opts.WebhookMaxWait == 0 {
		opts.WebhookMaxWait = 5 * time.Minute
	}
	if opts.Delegates == nil {
		opts.Delegates = NewDelegateRegistry()
	}
	if opts.Webhooks == nil {
		opts.Webhooks = NewWebhookCoordinator()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		store:              opts.Store,
		queue:              opts.Queue,
		callbacks:          opts.Callbacks,
		delegates:          opts.Delegates,
		webhooks:           opts.Webhooks,
		logger:             opts.Logger,
		workers:            opts.Workers,
		pollInterval:       opts.PollInterval,
		reconcileInterval:  opts.ReconcileInterval,
		reconcileBatchSize: opts.ReconcileBatchSize,
		webhookMaxWait:     opts.WebhookMaxWait,
	}
}

// Delegates exposes the registry for wiring in-process commands.
func (e *Engine) Delegates() *DelegateRegistry { return e.delegates }

// Webhooks exposes the coordinator so the HTTP surface can signal it.
func (e *Engine) Webhooks() *WebhookCoordinator { return e.webhooks }

// Run starts the reconciler and the worker pool, then blocks until the
// context is cancelled and all in-flight work has drained.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.reconcileLoop(ctx)
	}()

	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.workerLoop(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// reconcileLoop keeps the Redis mirror consistent with the store: promotes
// elapsed backoffs, reclaims dead workers' leases, and re-offers whatever
// the store says is ready.
func (e *Engine) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(e.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if _, err := e.queue.PromoteScheduled(ctx, now, int64(e.reconcileBatchSize)); err != nil {
			e.logger.Warn("promote scheduled", zap.Error(err))
		}

		reclaimed, err := e.queue.RequeueExpired(ctx, now, int64(e.reconcileBatchSize))
		if err != nil {
			e.logger.Warn("reclaim expired leases", zap.Error(err))
		}
		for _, key := range reclaimed {
			// The owning worker died mid-run. Put the row back so the next
			// claim succeeds; at-least-once execution is the contract.
			_, err := e.store.UpdateTaskStatus(ctx, store.TaskStatusUpdate{
				Key:            key,
				Status:         models.StatusPending,
				ExpectedStatus: []string{models.StatusRunning},
			})
			if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrTerminalState) {
				e.logger.Warn("reset reclaimed task", zap.String("task", key), zap.Error(err))
			}
		}

		ready, err := e.store.GetReadyTasks(ctx, e.reconcileBatchSize)
		if err != nil {
			e.logger.Warn("query ready tasks", zap.Error(err))
			continue
		}
		for _, task := range ready {
			if err := e.queue.EnqueueReady(ctx, task.Key); err != nil {
				e.logger.Warn("offer ready task", zap.String("task", task.Key), zap.Error(err))
			}
		}

		if depth, err := e.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepth.Set(float64(depth))
		}
	}
}

func (e *Engine) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		key, err := e.queue.DequeueWithLease(ctx)
		if err != nil || key == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.pollInterval):
			}
			continue
		}

		e.processTask(ctx, key)
	}
}

// processTask claims the task, executes its command, and applies the
// success, requeue, or failure transition. The store's compare-and-swap
// claim makes duplicate queue deliveries no-ops.
func (e *Engine) processTask(ctx context.Context, key string) {
	task, err := e.store.GetTask(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		_ = e.queue.Ack(ctx, key)
		return
	}
	if err != nil {
		// Leave the lease; reclamation retries after the visibility window.
		e.logger.Warn("load task", zap.String("task", key), zap.Error(err))
		return
	}

	now := time.Now().UTC()
	task, err = e.store.UpdateTaskStatus(ctx, store.TaskStatusUpdate{
		Key:            key,
		Status:         models.StatusRunning,
		ExpectedStatus: []string{models.StatusPending, models.StatusRequeued},
		StartTime:      &now,
	})
	if errors.Is(err, store.ErrTerminalState) || errors.Is(err, store.ErrConflict) {
		_ = e.queue.Ack(ctx, key)
		return
	}
	if err != nil {
		e.logger.Warn("claim task", zap.String("task", key), zap.Error(err))
		return
	}

	if err := e.store.UpdateJobStatus(ctx, task.JobKey, models.StatusRunning); err != nil &&
		!errors.Is(err, store.ErrTerminalState) {
		e.logger.Warn("mark job running", zap.String("job", task.JobKey), zap.Error(err))
	}

	job, err := e.store.GetJob(ctx, task.JobKey)
	if err != nil {
		e.logger.Warn("load job", zap.String("job", task.JobKey), zap.Error(err))
		return
	}

	telemetry.TasksRunning.Inc()
	execErr := e.executeCommand(ctx, job, task)
	telemetry.TasksRunning.Dec()

	switch {
	case execErr == nil:
		e.completeTask(ctx, task)
	case ctx.Err() != nil:
		// Shutdown interrupted the command; the command itself did not
		// fail. Release the claim so the task runs again after restart
		// instead of consuming a retry attempt.
		e.releaseTask(task)
	case isNotRetryable(execErr):
		e.logger.Error("task failed fatally",
			zap.String("task", task.Key), zap.String("job", task.JobKey), zap.Error(execErr))
		e.failTask(ctx, task)
	default:
		e.handleRetry(ctx, task, execErr)
	}
}

func (e *Engine) completeTask(ctx context.Context, task models.Task) {
	_, err := e.store.UpdateTaskStatus(ctx, store.TaskStatusUpdate{
		Key:            task.Key,
		Status:         models.StatusSucceeded,
		ExpectedStatus: []string{models.StatusRunning},
	})
	if err != nil {
		e.logger.Warn("mark task succeeded", zap.String("task", task.Key), zap.Error(err))
	}
	_ = e.queue.Ack(ctx, task.Key)
	telemetry.TasksSucceeded.Inc()

	job, err := e.store.GetJob(ctx, task.JobKey)
	if err != nil {
		e.logger.Warn("load job for advance", zap.String("job", task.JobKey), zap.Error(err))
		return
	}
	for _, sibling := range job.Tasks {
		if sibling.Status == models.StatusSucceeded {
			continue
		}
		// Next task in processing order; the reconciler would find it too,
		// the direct offer just keeps latency low.
		if sibling.Status == models.StatusPending {
			if err := e.queue.EnqueueReady(ctx, sibling.Key); err != nil {
				e.logger.Warn("offer next task", zap.String("task", sibling.Key), zap.Error(err))
			}
		}
		return
	}

	if err := e.store.UpdateJobStatus(ctx, job.Key, models.StatusSucceeded); err != nil &&
		!errors.Is(err, store.ErrTerminalState) {
		e.logger.Warn("mark job succeeded", zap.String("job", job.Key), zap.Error(err))
	}
	e.logger.Info("job succeeded", zap.String("job", job.Key))
}

func (e *Engine) handleRetry(ctx context.Context, task models.Task, execErr error) {
	decision := retry.NextAttempt(task.Retry, task.RequeueCount)
	if decision.Exhausted {
		e.logger.Error("task retries exhausted",
			zap.String("task", task.Key), zap.String("job", task.JobKey),
			zap.Int("requeues", task.RequeueCount), zap.Error(execErr))
		e.failTask(ctx, task)
		return
	}

	count := task.RequeueCount + 1
	until := time.Now().UTC().Add(decision.Delay)
	_, err := e.store.UpdateTaskStatus(ctx, store.TaskStatusUpdate{
		Key:            task.Key,
		Status:         models.StatusRequeued,
		ExpectedStatus: []string{models.StatusRunning},
		BackoffUntil:   &until,
		RequeueCount:   &count,
	})
	if err != nil {
		e.logger.Warn("requeue task", zap.String("task", task.Key), zap.Error(err))
	}
	_ = e.queue.Ack(ctx, task.Key)
	if err := e.queue.Schedule(ctx, task.Key, until); err != nil {
		e.logger.Warn("schedule backoff", zap.String("task", task.Key), zap.Error(err))
	}
	telemetry.TasksRequeued.Inc()
	e.logger.Info("task requeued",
		zap.String("task", task.Key), zap.Int("requeues", count),
		zap.Time("backoff_until", until), zap.Error(execErr))
}

// failTask terminally fails the task and its job. Later tasks of the job
// never become ready once an earlier sibling is failed.
func (e *Engine) failTask(ctx context.Context, task models.Task) {
	_, err := e.store.UpdateTaskStatus(ctx, store.TaskStatusUpdate{
		Key:            task.Key,
		Status:         models.StatusFailed,
		ExpectedStatus: []string{models.StatusRunning},
	})
	if err != nil {
		e.logger.Warn("mark task failed", zap.String("task", task.Key), zap.Error(err))
	}
	if err := e.store.UpdateJobStatus(ctx, task.JobKey, models.StatusFailed); err != nil &&
		!errors.Is(err, store.ErrTerminalState) {
		e.logger.Warn("mark job failed", zap.String("job", task.JobKey), zap.Error(err))
	}
	_ = e.queue.Ack(ctx, task.Key)
	telemetry.TasksFailed.Inc()
}

// releaseTask returns an interrupted claim to the pending state so the task
// is picked up again after restart. The worker context is already cancelled
// at this point, so the store write gets its own deadline. The queue entry
// is left unacked; lease reclamation re-offers it.
func (e *Engine) releaseTask(task models.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := e.store.UpdateTaskStatus(ctx, store.TaskStatusUpdate{
		Key:            task.Key,
		Status:         models.StatusPending,
		ExpectedStatus: []string{models.StatusRunning},
	})
	if err != nil {
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrTerminalState) {
			e.logger.Warn("release task on shutdown", zap.String("task", task.Key), zap.Error(err))
		}
		return
	}
	e.logger.Info("task released for redelivery", zap.String("task", task.Key))
}

// executeCommand dispatches on the command variant. Returned errors are
// retryable unless marked otherwise.
func (e *Engine) executeCommand(ctx context.Context, job models.Job, task models.Task) error {
	cmd := task.Command
	switch cmd.Type {
	case models.CommandNoop:
		return nil

	case models.CommandThrow:
		return &CommandExecutionError{Reason: cmd.Throw.Message}

	case models.CommandTimeout:
		timer := time.NewTimer(cmd.Timeout.Duration.Duration())
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case models.CommandDelegate:
		fn, ok := e.delegates.Get(cmd.Delegate.Name)
		if !ok {
			return markNotRetryable(fmt.Errorf("no delegate registered for %q", cmd.Delegate.Name))
		}
		if err := fn(ctx); err != nil {
			return &CommandExecutionError{Reason: err.Error()}
		}
		return nil

	case models.CommandWebhook:
		maxWait := cmd.Webhook.MaxWait.Duration()
		if maxWait <= 0 {
			maxWait = e.webhookMaxWait
		}
		// Keep the lease alive for the whole wait so reclamation does not
		// hand the task to a second worker.
		if err := e.queue.ExtendLease(ctx, task.Key, maxWait+30*time.Second); err != nil {
			e.logger.Warn("extend lease for webhook", zap.String("task", task.Key), zap.Error(err))
		}
		return e.webhooks.Await(ctx, cmd.Webhook.URI, maxWait)

	case models.CommandMoveProcessForward:
		return e.callApp(ctx, job, callback.CommandRequestPayload{
			Type:        callback.PayloadUpdateProcessState,
			FromElement: cmd.MoveProcessForward.FromElement,
			ToElement:   cmd.MoveProcessForward.ToElement,
			Actor:       task.Actor,
		})

	case models.CommandServiceTask:
		return e.callApp(ctx, job, callback.CommandRequestPayload{
			Type:     callback.PayloadExecuteServiceTask,
			TaskType: cmd.ServiceTask.TaskType,
			Actor:    task.Actor,
		})

	default:
		return markNotRetryable(fmt.Errorf("unknown command type %q", cmd.Type))
	}
}

func (e *Engine) callApp(ctx context.Context, job models.Job, payload callback.CommandRequestPayload) error {
	if e.callbacks == nil {
		return markNotRetryable(errors.New("no app callback client configured"))
	}
	result, err := e.callbacks.Execute(ctx, job.Instance, payload)
	if err != nil {
		return err
	}
	if !result.Success {
		cmdErr := &CommandExecutionError{Reason: result.Error}
		if result.Fatal {
			return markNotRetryable(cmdErr)
		}
		return cmdErr
	}
	return nil
}
