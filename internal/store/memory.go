package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"process-engine/internal/models"
)

// MemoryStore implements Store with in-process maps behind a single mutex.
// It mirrors the Postgres semantics exactly and backs tests and
// single-process deployments.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*models.Job
	tasks map[string]*models.Task
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*models.Job),
		tasks: make(map[string]*models.Task),
		now:   time.Now,
	}
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) CreateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.Key]; exists {
		return fmt.Errorf("job %q: %w", job.Key, ErrDuplicateKey)
	}
	for _, task := range job.Tasks {
		if _, exists := m.tasks[task.Key]; exists {
			return fmt.Errorf("task %q: %w", task.Key, ErrDuplicateKey)
		}
	}

	stored := job
	stored.Tasks = nil
	m.jobs[job.Key] = &stored
	for _, task := range job.Tasks {
		t := task
		t.JobKey = job.Key
		m.tasks[task.Key] = &t
	}
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, key string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[key]
	if !ok {
		return models.Job{}, fmt.Errorf("job %q: %w", key, ErrNotFound)
	}
	out := *job
	out.Tasks = m.jobTasksLocked(key)
	return out, nil
}

func (m *MemoryStore) GetTask(_ context.Context, key string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[key]
	if !ok {
		return models.Task{}, fmt.Errorf("task %q: %w", key, ErrNotFound)
	}
	return *task, nil
}

func (m *MemoryStore) GetReadyTasks(_ context.Context, limit int) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var ready []models.Task
	for jobKey, job := range m.jobs {
		if models.TerminalStatus(job.Status) {
			continue
		}
		tasks := m.jobTasksLocked(jobKey)
		for _, task := range tasks {
			if task.Status == models.StatusSucceeded {
				continue
			}
			// Lowest unsucceeded task in processing order decides readiness
			// for the whole job.
			eligible := (task.Status == models.StatusPending || task.Status == models.StatusRequeued) &&
				(task.BackoffUntil == nil || !task.BackoffUntil.After(now))
			if eligible {
				ready = append(ready, task)
			}
			break
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].JobKey != ready[j].JobKey {
			return ready[i].JobKey < ready[j].JobKey
		}
		return ready[i].ProcessingOrder < ready[j].ProcessingOrder
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (m *MemoryStore) UpdateTaskStatus(_ context.Context, update TaskStatusUpdate) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[update.Key]
	if !ok {
		return models.Task{}, fmt.Errorf("task %q: %w", update.Key, ErrNotFound)
	}
	if models.TerminalStatus(task.Status) {
		return *task, fmt.Errorf("task %q: %w", update.Key, ErrTerminalState)
	}
	expected := update.ExpectedStatus
	if len(expected) == 0 {
		expected = []string{models.StatusPending, models.StatusRunning, models.StatusRequeued}
	}
	if !contains(expected, task.Status) {
		return *task, fmt.Errorf("task %q: %w", update.Key, ErrConflict)
	}

	task.Status = update.Status
	if update.StartTime != nil && task.StartTime == nil {
		task.StartTime = update.StartTime
	}
	task.BackoffUntil = update.BackoffUntil
	if update.RequeueCount != nil {
		task.RequeueCount = *update.RequeueCount
	}
	updated := m.now()
	task.UpdatedAt = &updated
	return *task, nil
}

func (m *MemoryStore) UpdateJobStatus(_ context.Context, key, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[key]
	if !ok {
		return fmt.Errorf("job %q: %w", key, ErrNotFound)
	}
	if models.TerminalStatus(job.Status) {
		return fmt.Errorf("job %q: %w", key, ErrTerminalState)
	}
	job.Status = status
	updated := m.now()
	job.UpdatedAt = &updated
	return nil
}

func (m *MemoryStore) jobTasksLocked(jobKey string) []models.Task {
	var tasks []models.Task
	for _, task := range m.tasks {
		if task.JobKey == jobKey {
			tasks = append(tasks, *task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].ProcessingOrder < tasks[j].ProcessingOrder
	})
	return tasks
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
