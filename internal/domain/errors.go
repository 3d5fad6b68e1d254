package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned synchronously for malformed input; nothing is persisted.
	ErrValidation = errors.New("validation error")
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrStateConflict is returned when the requested transition is not allowed
	// from the task's current state. The task is left unchanged.
	ErrStateConflict = errors.New("state conflict")
	// ErrScheduling is returned when the trigger layer rejects an arm request.
	ErrScheduling = errors.New("scheduling error")
	// ErrExecution wraps a failure raised by a task body. It is recorded, never returned to submitters.
	ErrExecution = errors.New("execution error")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}

func Scheduling(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrScheduling, err)
}
