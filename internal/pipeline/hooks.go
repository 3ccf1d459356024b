package pipeline

import (
	"context"
)

// HookPhase selects which lifecycle moment a hook command dispatches.
type HookPhase string

const (
	PhaseStarting     HookPhase = "starting"
	PhaseEnded        HookPhase = "ended"
	PhaseAbandoned    HookPhase = "abandoned"
	PhaseProcessEnded HookPhase = "process_ended"
)

// TaskLifecycleHook is the single extension point for app code that wants to
// react to task transitions. Hooks must be idempotent: the surrounding
// pipeline may be retried from the top.
type TaskLifecycleHook interface {
	OnTaskStarting(ctx context.Context, c *Context) error
	OnTaskEnded(ctx context.Context, c *Context) error
	OnTaskAbandoned(ctx context.Context, c *Context) error
	OnProcessEnded(ctx context.Context, c *Context) error
}

// LegacyTaskHandler is the older generation of the extension point, kept so
// existing apps migrate without rewriting. Adapt it with WrapLegacyHandler.
type LegacyTaskHandler interface {
	ProcessTaskStart(ctx context.Context, taskID string, data InstanceDataMutator) error
	ProcessTaskEnd(ctx context.Context, taskID string, data InstanceDataMutator) error
	ProcessTaskAbandon(ctx context.Context, taskID string, data InstanceDataMutator) error
}

// WrapLegacyHandler adapts a legacy handler to the unified hook interface.
func WrapLegacyHandler(h LegacyTaskHandler) TaskLifecycleHook {
	return legacyAdapter{h: h}
}

type legacyAdapter struct {
	h LegacyTaskHandler
}

func (a legacyAdapter) OnTaskStarting(ctx context.Context, c *Context) error {
	return a.h.ProcessTaskStart(ctx, c.TaskID, c.Data)
}

func (a legacyAdapter) OnTaskEnded(ctx context.Context, c *Context) error {
	return a.h.ProcessTaskEnd(ctx, c.TaskID, c.Data)
}

func (a legacyAdapter) OnTaskAbandoned(ctx context.Context, c *Context) error {
	return a.h.ProcessTaskAbandon(ctx, c.TaskID, c.Data)
}

func (a legacyAdapter) OnProcessEnded(context.Context, *Context) error {
	// The legacy generation had no process-end notification.
	return nil
}
