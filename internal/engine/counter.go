package engine

import (
	"sync/atomic"
)

// ScenarioCounter counts webhook deliveries for the test surface. It is an
// injected service with engine lifetime rather than a process-wide static.
type ScenarioCounter struct {
	n atomic.Int64
}

func NewScenarioCounter() *ScenarioCounter { return &ScenarioCounter{} }

func (c *ScenarioCounter) Increment() int64 { return c.n.Add(1) }

func (c *ScenarioCounter) Value() int64 { return c.n.Load() }
