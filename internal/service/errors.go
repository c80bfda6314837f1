package service

import (
	"errors"
	"fmt"

	"taskorch/internal/model"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrReasonRequired    = errors.New("failure reason required")
	ErrUnknownIntent     = errors.New("unknown intent")
	ErrEnqueueFailed     = errors.New("task persisted but enqueue failed")
	ErrEntryNotFound     = errors.New("dead-letter entry not found")
	ErrEntryResolved     = errors.New("dead-letter entry already resolved")
	ErrInvalidResult     = errors.New("invalid result report")
	ErrInvalidRequest    = errors.New("invalid task request")
)

// InvalidTransitionError is returned when a guard rejects a status change. It
// matches ErrInvalidTransition with errors.Is.
type InvalidTransitionError struct {
	TaskID uint64
	From   model.TaskStatus
	To     model.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %d: cannot transition from %s to %s", e.TaskID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
