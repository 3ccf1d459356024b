package engine

import (
	"errors"
	"fmt"
)

// CommandExecutionError means a command handler reported failure. Subject to
// the task's retry strategy.
type CommandExecutionError struct {
	Reason string
}

func (e *CommandExecutionError) Error() string {
	return fmt.Sprintf("command execution failed: %s", e.Reason)
}

// notRetryable marks configuration-level failures that cannot heal on
// retry: they fail the task immediately without consuming attempts.
type notRetryable struct {
	err error
}

func (e *notRetryable) Error() string { return e.err.Error() }

func (e *notRetryable) Unwrap() error { return e.err }

func markNotRetryable(err error) error {
	return &notRetryable{err: err}
}

func isNotRetryable(err error) bool {
	var marked *notRetryable
	return errors.As(err, &marked)
}
