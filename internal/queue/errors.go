package queue

import (
	"errors"
	"fmt"
)

// ErrDestroyed is returned by operations on a destroyed queue.
var ErrDestroyed = errors.New("queue destroyed")

// NoHandlerError is the terminal failure of an item whose operation type
// has no registered handler.
type NoHandlerError struct {
	OperationType string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for operation type %q", e.OperationType)
}

// IsNoHandler reports whether err is a NoHandlerError.
// Uses errors.As to handle wrapped errors.
func IsNoHandler(err error) bool {
	var nh *NoHandlerError
	return errors.As(err, &nh)
}
