package pipeline

import (
	"context"
	"fmt"
)

// ProcessError means no handler exists for a task type. This is a
// configuration error: the scheduler fails the task immediately without
// consuming a retry attempt.
type ProcessError struct {
	TaskType string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("no handler for task type %q", e.TaskType)
}

// ProcessTask handles the lifecycle of one BPMN task type.
type ProcessTask interface {
	Type() string
	Start(ctx context.Context, c *Context) error
	End(ctx context.Context, c *Context) error
	Abandon(ctx context.Context, c *Context) error
}

// Resolver maps task-type discriminators to handlers in two tiers:
// service-managed tasks win over app-defined process tasks.
type Resolver struct {
	serviceTasks map[string]ProcessTask
	processTasks map[string]ProcessTask
}

func NewResolver() *Resolver {
	return &Resolver{
		serviceTasks: make(map[string]ProcessTask),
		processTasks: make(map[string]ProcessTask),
	}
}

// RegisterServiceTask binds an engine/service-managed handler.
func (r *Resolver) RegisterServiceTask(task ProcessTask) {
	if task == nil || task.Type() == "" {
		return
	}
	r.serviceTasks[task.Type()] = task
}

// RegisterProcessTask binds an app-defined handler.
func (r *Resolver) RegisterProcessTask(task ProcessTask) {
	if task == nil || task.Type() == "" {
		return
	}
	r.processTasks[task.Type()] = task
}

// GetProcessTaskInstance resolves a task type. An empty type is a valid
// no-op, not an error; an unknown type is a *ProcessError.
func (r *Resolver) GetProcessTaskInstance(taskType string) (ProcessTask, error) {
	if taskType == "" {
		return nullTask{}, nil
	}
	if task, ok := r.serviceTasks[taskType]; ok {
		return task, nil
	}
	if task, ok := r.processTasks[taskType]; ok {
		return task, nil
	}
	return nil, &ProcessError{TaskType: taskType}
}

// nullTask makes "no task" a no-op rather than an error.
type nullTask struct{}

func (nullTask) Type() string                            { return "" }
func (nullTask) Start(context.Context, *Context) error   { return nil }
func (nullTask) End(context.Context, *Context) error     { return nil }
func (nullTask) Abandon(context.Context, *Context) error { return nil }
