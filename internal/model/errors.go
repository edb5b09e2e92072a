package model

import (
	"errors"
)

var (
	// ErrNotFound is returned for operations on an unknown job id.
	ErrNotFound = errors.New("simulation not found")

	// ErrBusUnavailable is returned by start while the durable bus is
	// disconnected. It is retriable once connectivity is back.
	ErrBusUnavailable = errors.New("event bus is not connected")

	ErrInvalidArgument = errors.New("invalid argument")

	ErrAlreadyRegistered = errors.New("simulation already registered")
)
