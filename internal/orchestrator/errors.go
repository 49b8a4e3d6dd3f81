package orchestrator

import (
	"errors"
	"fmt"
)

// ErrValidation is returned for input rejected before any network call
var ErrValidation = errors.New("validation error")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// TaskFailedError reports an analysis run that ended with a failure status.
// Data merged before the failure is kept.
type TaskFailedError struct {
	TaskID  string
	Message string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("analysis task %s failed: %s", e.TaskID, e.Message)
}
