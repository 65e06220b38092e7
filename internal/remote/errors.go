package remote

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/roach88/acksync/internal/ir"
)

// Class is the retry classification of a remote failure.
type Class int

const (
	// ClassNone is the classification of a nil error.
	ClassNone Class = iota
	// ClassTransient failures are retried with backoff.
	ClassTransient
	// ClassTerminal failures are never retried.
	ClassTerminal
	// ClassNotFound means the record does not exist (yet).
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassTerminal:
		return "terminal"
	case ClassNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Classify maps err onto a retry class.
//
// Authorization and malformed-request codes are terminal. Timeouts,
// unavailability and untyped errors are transient.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, ir.ErrInvalidPayload) {
		return ClassTerminal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}

	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.InvalidArgument,
		codes.FailedPrecondition, codes.OutOfRange, codes.Unimplemented, codes.AlreadyExists:
		return ClassTerminal
	case codes.NotFound:
		return ClassNotFound
	default:
		return ClassTransient
	}
}

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	return Classify(err) == ClassTerminal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return Classify(err) == ClassNotFound
}

// Unavailable returns a transient remote error.
func Unavailable(msg string) error {
	return status.Error(codes.Unavailable, msg)
}

// PermissionDenied returns a terminal remote error.
func PermissionDenied(msg string) error {
	return status.Error(codes.PermissionDenied, msg)
}

// NotFound returns a not-found remote error.
func NotFound(msg string) error {
	return status.Error(codes.NotFound, msg)
}
