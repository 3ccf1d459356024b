package pipeline

import (
	"encoding/json"
	"fmt"
)

// InvalidPayloadError means a typed command's payload was missing or
// malformed. Fatal for the task: retrying the same bytes cannot succeed.
type InvalidPayloadError struct {
	Reason string
	Err    error
}

func (e *InvalidPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid command payload: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid command payload: %s", e.Reason)
}

func (e *InvalidPayloadError) Unwrap() error { return e.Err }

// DecodePayload deserializes the raw callback payload into T before the
// handler runs. A missing or malformed payload fails without invoking
// anything.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, &InvalidPayloadError{Reason: "payload is empty"}
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &InvalidPayloadError{Reason: "payload does not match expected shape", Err: err}
	}
	return v, nil
}
