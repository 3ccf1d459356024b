package models

import (
	"time"
)

// Job and task lifecycle states persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusRequeued  = "requeued"
)

// TerminalStatus reports whether a status permits no further transitions.
// Callbacks and webhooks may be delivered more than once, so writers must
// treat mutations of terminal rows as no-ops.
func TerminalStatus(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// Actor identifies who a job or task runs on behalf of.
type Actor struct {
	UserIDOrOrgNumber string `json:"userIdOrOrgNumber"`
	Language          string `json:"language,omitempty"`
}

// InstanceInformation identifies the application instance a job targets.
type InstanceInformation struct {
	Org                  string `json:"org"`
	App                  string `json:"app"`
	InstanceOwnerPartyID int    `json:"instanceOwnerPartyId"`
	InstanceGUID         string `json:"instanceGuid"`
}

// Job represents one process-transition request for one app instance,
// composed of ordered tasks. The Key is a caller-supplied idempotency key.
type Job struct {
	Key       string              `json:"key"`
	Status    string              `json:"status"`
	Actor     Actor               `json:"actor"`
	Instance  InstanceInformation `json:"instance"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt *time.Time          `json:"updated_at,omitempty"`
	Tasks     []Task              `json:"tasks,omitempty"`
}

// Task is one retryable step within a job. Tasks of a job execute strictly
// in ProcessingOrder; at most one task per job is running at any time.
type Task struct {
	Key             string        `json:"key"`
	JobKey          string        `json:"job_key"`
	Status          string        `json:"status"`
	ProcessingOrder int           `json:"processing_order"`
	Actor           Actor         `json:"actor"`
	Command         Command       `json:"command"`
	Retry           RetryStrategy `json:"retry_strategy"`
	StartTime       *time.Time    `json:"start_time,omitempty"`
	BackoffUntil    *time.Time    `json:"backoff_until,omitempty"`
	RequeueCount    int           `json:"requeue_count"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       *time.Time    `json:"updated_at,omitempty"`
}
