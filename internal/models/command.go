package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CommandType discriminates the command variants a task can carry.
type CommandType string

const (
	CommandMoveProcessForward CommandType = "moveProcessForward"
	CommandServiceTask        CommandType = "executeServiceTask"
	CommandDelegate           CommandType = "delegate"
	CommandWebhook            CommandType = "webhook"
	CommandNoop               CommandType = "noop"
	CommandThrow              CommandType = "throw"
	CommandTimeout            CommandType = "timeout"
)

// Command is the tagged union persisted as the task payload. Exactly the
// variant field matching Type is populated; the rest stay nil.
type Command struct {
	Type               CommandType                `json:"$type"`
	MoveProcessForward *MoveProcessForwardCommand `json:"moveProcessForward,omitempty"`
	ServiceTask        *ServiceTaskCommand        `json:"executeServiceTask,omitempty"`
	Delegate           *DelegateCommand           `json:"delegate,omitempty"`
	Webhook            *WebhookCommand            `json:"webhook,omitempty"`
	Throw              *ThrowCommand              `json:"throw,omitempty"`
	Timeout            *TimeoutCommand            `json:"timeout,omitempty"`
}

// MoveProcessForwardCommand asks the app process to advance its BPMN process
// between two elements.
type MoveProcessForwardCommand struct {
	FromElement string `json:"fromElement"`
	ToElement   string `json:"toElement"`
}

// ServiceTaskCommand asks the app process to run a service-managed step
// (PDF, shipment and similar) identified by its task type.
type ServiceTaskCommand struct {
	TaskType string `json:"taskType"`
}

// DelegateCommand names an in-process function registered with the engine.
// Used for engine-internal composition and load testing.
type DelegateCommand struct {
	Name string `json:"name"`
}

// WebhookCommand keeps the task running until the named callback URI is
// invoked externally. MaxWait bounds the wait; zero means the configured
// default ceiling applies.
type WebhookCommand struct {
	URI     string   `json:"uri"`
	MaxWait Duration `json:"maxWait,omitempty"`
}

// ThrowCommand always fails, for fault injection in tests.
type ThrowCommand struct {
	Message string `json:"message"`
}

// TimeoutCommand suspends for the duration and then succeeds.
type TimeoutCommand struct {
	Duration Duration `json:"duration"`
}

// Validate checks the discriminator matches the populated variant.
func (c Command) Validate() error {
	switch c.Type {
	case CommandMoveProcessForward:
		if c.MoveProcessForward == nil || c.MoveProcessForward.ToElement == "" {
			return errors.New("moveProcessForward command requires a target element")
		}
	case CommandServiceTask:
		if c.ServiceTask == nil || c.ServiceTask.TaskType == "" {
			return errors.New("executeServiceTask command requires a task type")
		}
	case CommandDelegate:
		if c.Delegate == nil || c.Delegate.Name == "" {
			return errors.New("delegate command requires a name")
		}
	case CommandWebhook:
		if c.Webhook == nil || c.Webhook.URI == "" {
			return errors.New("webhook command requires a uri")
		}
	case CommandThrow:
		if c.Throw == nil {
			return errors.New("throw command requires a payload")
		}
	case CommandTimeout:
		if c.Timeout == nil || c.Timeout.Duration.Duration() <= 0 {
			return errors.New("timeout command requires a positive duration")
		}
	case CommandNoop:
	case "":
		return errors.New("command type is required")
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
	return nil
}

// RetryStrategyType discriminates retry strategy variants.
type RetryStrategyType string

const (
	RetryNone     RetryStrategyType = "none"
	RetryConstant RetryStrategyType = "constant"
)

// RetryStrategy decides whether a failed task is requeued. None fails on the
// first error; Constant waits Delay between attempts up to MaxAttempts.
type RetryStrategy struct {
	Type        RetryStrategyType `json:"$type"`
	Delay       Duration          `json:"delay,omitempty"`
	MaxAttempts int               `json:"maxAttempts,omitempty"`
}

// NoRetry is the zero-value strategy spelled out.
func NoRetry() RetryStrategy {
	return RetryStrategy{Type: RetryNone}
}

// ConstantRetry builds a fixed-backoff strategy.
func ConstantRetry(delay time.Duration, maxAttempts int) RetryStrategy {
	return RetryStrategy{Type: RetryConstant, Delay: Duration(delay), MaxAttempts: maxAttempts}
}

// Duration marshals as a Go duration string ("500ms") so persisted command
// payloads stay readable.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
