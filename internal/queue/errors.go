package queue

import "errors"

var (
	ErrTaskNotFound  = errors.New("queue: task not found")
	ErrNotProcessing = errors.New("queue: task is not processing")
	ErrStopped       = errors.New("queue: service stopped")
	ErrNotRegistered = errors.New("queue: worker not registered")

	// ErrRunTimeout marks a failure caused by the per-task deadline. Fail
	// records tasks that end with it under the timeout status.
	ErrRunTimeout = errors.New("queue: task run timed out")
)
