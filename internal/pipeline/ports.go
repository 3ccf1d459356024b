package pipeline

import (
	"context"
)

// The data and metadata layers live outside this module. The pipelines treat
// them as opaque ports.

// InstanceDataAccessor reads form data for the current instance.
type InstanceDataAccessor interface {
	// GetData returns the stored element for a data type, or ok=false when
	// none exists yet.
	GetData(ctx context.Context, dataTypeID string) (data []byte, ok bool, err error)
}

// InstanceDataMutator additionally writes and locks form data.
type InstanceDataMutator interface {
	InstanceDataAccessor
	SetData(ctx context.Context, dataTypeID string, data []byte) error
	// SetLocked toggles the lock on a data type. Must be idempotent.
	SetLocked(ctx context.Context, dataTypeID string, locked bool) error
}

// DataType is the slice of application metadata the pipelines care about.
type DataType struct {
	ID         string
	TaskID     string
	AutoCreate bool
}

// ApplicationMetadata is the task/data-type configuration of the app.
type ApplicationMetadata struct {
	ID        string
	DataTypes []DataType
}

// AppMetadata exposes the application configuration.
type AppMetadata interface {
	GetApplicationMetadata(ctx context.Context) (ApplicationMetadata, error)
}

// TaskExtension is the BPMN task configuration for one task.
type TaskExtension struct {
	TaskType string
}

// ProcessReader reads BPMN task configuration.
type ProcessReader interface {
	GetTaskExtension(taskID string) (TaskExtension, error)
}
