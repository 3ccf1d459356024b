package retry

import (
	"time"

	"process-engine/internal/models"
)

// Decision is the outcome of consulting a retry strategy after a failure.
type Decision struct {
	Exhausted bool
	Delay     time.Duration
}

// NextAttempt decides whether a task that has already been requeued
// requeueCount times gets another attempt. Pure and deterministic so the
// scheduler can be tested without clock mocking.
func NextAttempt(strategy models.RetryStrategy, requeueCount int) Decision {
	switch strategy.Type {
	case models.RetryConstant:
		if requeueCount < strategy.MaxAttempts {
			return Decision{Delay: strategy.Delay.Duration()}
		}
		return Decision{Exhausted: true}
	default:
		// None and unknown strategies fail on the first error.
		return Decision{Exhausted: true}
	}
}
