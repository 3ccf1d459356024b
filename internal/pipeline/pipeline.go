// Package pipeline implements the application-side command pipelines the
// engine drives through the callback endpoint. Each process transition maps
// to a fixed, ordered list of idempotent commands; the first failure
// short-circuits the rest, and the whole pipeline is the unit of retry.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"process-engine/internal/models"
)

// Transition names the pipeline invoked for a process-state change.
type Transition string

const (
	TransitionTaskStart   Transition = "task_start"
	TransitionTaskEnd     Transition = "task_end"
	TransitionTaskAbandon Transition = "task_abandon"
	TransitionProcessEnd  Transition = "process_end"
)

// Context carries everything a command needs for one pipeline invocation.
// Payload is the raw body from the callback coordinator; typed commands
// decode it with DecodePayload.
type Context struct {
	Instance models.InstanceInformation
	Actor    models.Actor
	TaskID   string
	TaskType string
	Data     InstanceDataMutator
	Payload  json.RawMessage
}

// Result is the uniform command outcome.
type Result struct {
	Success bool
	Err     error
}

func Successful() Result { return Result{Success: true} }

func Failed(err error) Result { return Result{Err: err} }

// Command is one idempotent unit of work within a transition pipeline.
// Execute may be re-invoked from the top after a partial failure, so every
// implementation must tolerate repeated runs without double side effects.
type Command interface {
	Key() string
	Execute(ctx context.Context, c *Context) Result
}

// Pipelines holds the fixed command order per transition, built once at
// startup rather than resolved from a container.
type Pipelines struct {
	byTransition map[Transition][]Command
	logger       *zap.Logger
}

// Dependencies collects the ports and hooks the standard pipelines wire in.
type Dependencies struct {
	Metadata AppMetadata
	Process  ProcessReader
	Resolver *Resolver
	Hooks    []TaskLifecycleHook
	Logger   *zap.Logger
}

// NewPipelines builds the standard pipelines in their fixed order.
func NewPipelines(deps Dependencies) *Pipelines {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipelines{
		logger: logger,
		byTransition: map[Transition][]Command{
			TransitionTaskStart: {
				&CommonTaskInitialization{Metadata: deps.Metadata},
				&HookCommand{Phase: PhaseStarting, Hooks: deps.Hooks},
				&UnlockTaskData{Metadata: deps.Metadata},
				&WorkflowTaskStart{Resolver: deps.Resolver},
			},
			TransitionTaskEnd: {
				&WorkflowTaskEnd{Resolver: deps.Resolver},
				&HookCommand{Phase: PhaseEnded, Hooks: deps.Hooks},
				&LockTaskData{Metadata: deps.Metadata},
			},
			TransitionTaskAbandon: {
				&HookCommand{Phase: PhaseAbandoned, Hooks: deps.Hooks},
				&WorkflowTaskAbandon{Resolver: deps.Resolver},
			},
			TransitionProcessEnd: {
				&LockTaskData{Metadata: deps.Metadata},
				&ProcessCompletion{Hooks: deps.Hooks},
			},
		},
	}
}

// Run executes the transition's commands sequentially. The first Failed
// result aborts the remainder and becomes the pipeline result.
func (p *Pipelines) Run(ctx context.Context, transition Transition, c *Context) Result {
	commands, ok := p.byTransition[transition]
	if !ok {
		return Failed(fmt.Errorf("no pipeline for transition %q", transition))
	}
	for _, cmd := range commands {
		result := cmd.Execute(ctx, c)
		if !result.Success {
			p.logger.Warn("pipeline command failed",
				zap.String("transition", string(transition)),
				zap.String("command", cmd.Key()),
				zap.Error(result.Err))
			return result
		}
	}
	return Successful()
}
