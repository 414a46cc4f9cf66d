package jobs

import (
	"errors"
	"fmt"
)

// Failure kinds returned by Produce. Match with errors.Is.
var (
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrExternalFetchFailed = errors.New("external fetch failed")
	ErrArtifactMissing     = errors.New("artifact missing")
)

// Error is a failed job. Kind is one of the sentinels above; Err is the cause.
type Error struct {
	Kind  error
	JobID string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("job %s: %v", e.JobID, e.Kind)
	}
	return fmt.Sprintf("job %s: %v: %v", e.JobID, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Stage names the step a failure came from, for logs and events.
func (e *Error) Stage() string {
	switch e.Kind {
	case ErrStorageUnavailable:
		return "create"
	case ErrExternalFetchFailed:
		return "fetch"
	case ErrArtifactMissing:
		return "collect"
	default:
		return "unknown"
	}
}
