package scheduler

import "errors"

var (
	// ErrProcessorNil is returned when a nil billing processor is provided.
	ErrProcessorNil = errors.New("billing processor cannot be nil")

	// ErrStoreNil is returned when a nil due-subscription source is provided.
	ErrStoreNil = errors.New("subscription store cannot be nil")

	// ErrAlreadyStarted is returned when Start is called on a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("scheduler not started")
)
