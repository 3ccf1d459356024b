package pipeline

import (
	"context"
	"fmt"
)

// CommonTaskInitialization ensures the data elements configured for the
// current task exist. Creating only what is missing keeps it idempotent.
type CommonTaskInitialization struct {
	Metadata AppMetadata
}

func (c *CommonTaskInitialization) Key() string { return "CommonTaskInitialization" }

func (c *CommonTaskInitialization) Execute(ctx context.Context, pc *Context) Result {
	meta, err := c.Metadata.GetApplicationMetadata(ctx)
	if err != nil {
		return Failed(fmt.Errorf("get application metadata: %w", err))
	}
	for _, dt := range meta.DataTypes {
		if dt.TaskID != pc.TaskID || !dt.AutoCreate {
			continue
		}
		_, exists, err := pc.Data.GetData(ctx, dt.ID)
		if err != nil {
			return Failed(fmt.Errorf("read data type %q: %w", dt.ID, err))
		}
		if exists {
			continue
		}
		if err := pc.Data.SetData(ctx, dt.ID, nil); err != nil {
			return Failed(fmt.Errorf("create data type %q: %w", dt.ID, err))
		}
	}
	return Successful()
}

// HookCommand dispatches one lifecycle phase to every configured hook, in
// registration order.
type HookCommand struct {
	Phase HookPhase
	Hooks []TaskLifecycleHook
}

func (c *HookCommand) Key() string { return "TaskLifecycleHook:" + string(c.Phase) }

func (c *HookCommand) Execute(ctx context.Context, pc *Context) Result {
	for _, hook := range c.Hooks {
		var err error
		switch c.Phase {
		case PhaseStarting:
			err = hook.OnTaskStarting(ctx, pc)
		case PhaseEnded:
			err = hook.OnTaskEnded(ctx, pc)
		case PhaseAbandoned:
			err = hook.OnTaskAbandoned(ctx, pc)
		case PhaseProcessEnded:
			err = hook.OnProcessEnded(ctx, pc)
		default:
			err = fmt.Errorf("unknown hook phase %q", c.Phase)
		}
		if err != nil {
			return Failed(fmt.Errorf("hook %s: %w", c.Phase, err))
		}
	}
	return Successful()
}

// UnlockTaskData unlocks the data types bound to the starting task so the
// user can edit them again.
type UnlockTaskData struct {
	Metadata AppMetadata
}

func (c *UnlockTaskData) Key() string { return "UnlockTaskData" }

func (c *UnlockTaskData) Execute(ctx context.Context, pc *Context) Result {
	return setTaskDataLocked(ctx, c.Metadata, pc, false)
}

// LockTaskData locks the data types bound to the ending task against
// further edits.
type LockTaskData struct {
	Metadata AppMetadata
}

func (c *LockTaskData) Key() string { return "LockTaskData" }

func (c *LockTaskData) Execute(ctx context.Context, pc *Context) Result {
	return setTaskDataLocked(ctx, c.Metadata, pc, true)
}

func setTaskDataLocked(ctx context.Context, metadata AppMetadata, pc *Context, locked bool) Result {
	meta, err := metadata.GetApplicationMetadata(ctx)
	if err != nil {
		return Failed(fmt.Errorf("get application metadata: %w", err))
	}
	for _, dt := range meta.DataTypes {
		if dt.TaskID != pc.TaskID {
			continue
		}
		if err := pc.Data.SetLocked(ctx, dt.ID, locked); err != nil {
			return Failed(fmt.Errorf("set lock on data type %q: %w", dt.ID, err))
		}
	}
	return Successful()
}

// WorkflowTaskStart resolves the task-type handler and runs its start logic.
type WorkflowTaskStart struct {
	Resolver *Resolver
}

func (c *WorkflowTaskStart) Key() string { return "WorkflowTaskStart" }

func (c *WorkflowTaskStart) Execute(ctx context.Context, pc *Context) Result {
	task, err := c.Resolver.GetProcessTaskInstance(pc.TaskType)
	if err != nil {
		return Failed(err)
	}
	if err := task.Start(ctx, pc); err != nil {
		return Failed(fmt.Errorf("start task type %q: %w", pc.TaskType, err))
	}
	return Successful()
}

// WorkflowTaskEnd resolves the task-type handler and runs its end logic.
type WorkflowTaskEnd struct {
	Resolver *Resolver
}

func (c *WorkflowTaskEnd) Key() string { return "WorkflowTaskEnd" }

func (c *WorkflowTaskEnd) Execute(ctx context.Context, pc *Context) Result {
	task, err := c.Resolver.GetProcessTaskInstance(pc.TaskType)
	if err != nil {
		return Failed(err)
	}
	if err := task.End(ctx, pc); err != nil {
		return Failed(fmt.Errorf("end task type %q: %w", pc.TaskType, err))
	}
	return Successful()
}

// WorkflowTaskAbandon resolves the task-type handler and runs its abandon
// logic.
type WorkflowTaskAbandon struct {
	Resolver *Resolver
}

func (c *WorkflowTaskAbandon) Key() string { return "WorkflowTaskAbandon" }

func (c *WorkflowTaskAbandon) Execute(ctx context.Context, pc *Context) Result {
	task, err := c.Resolver.GetProcessTaskInstance(pc.TaskType)
	if err != nil {
		return Failed(err)
	}
	if err := task.Abandon(ctx, pc); err != nil {
		return Failed(fmt.Errorf("abandon task type %q: %w", pc.TaskType, err))
	}
	return Successful()
}

// ProcessCompletion notifies hooks that the whole process has ended.
type ProcessCompletion struct {
	Hooks []TaskLifecycleHook
}

func (c *ProcessCompletion) Key() string { return "ProcessCompletion" }

func (c *ProcessCompletion) Execute(ctx context.Context, pc *Context) Result {
	hookCmd := &HookCommand{Phase: PhaseProcessEnded, Hooks: c.Hooks}
	return hookCmd.Execute(ctx, pc)
}
