package common

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
	ErrValidation   = errors.New("validation failed")
)

// Review and queue errors
var (
	ErrNoWorkAvailable     = errors.New("no work available")
	ErrTaskComplete        = errors.New("task is complete")
	ErrLeaseTaken          = errors.New("assignment is leased by another reviewer")
	ErrDuplicateSubmission = errors.New("reviewer already submitted this image")
	ErrAssignmentComplete  = errors.New("assignment is already finalized")
	ErrJobState            = errors.New("job is not in a state that allows this operation")
	ErrUnknownJobKind      = errors.New("unknown job kind")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// gRPC error helpers
func InvalidArgumentError(message string) error {
	return status.Error(codes.InvalidArgument, message)
}

func InvalidArgumentErrorf(format string, args ...interface{}) error {
	return InvalidArgumentError(fmt.Sprintf(format, args...))
}

// ToStatus maps domain errors onto gRPC status errors. Errors that already
// carry a status are returned unchanged.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation), errors.Is(err, ErrUnknownJobKind):
		code = codes.InvalidArgument
	case errors.Is(err, ErrNoWorkAvailable):
		code = codes.ResourceExhausted
	case errors.Is(err, ErrTaskComplete):
		code = codes.OutOfRange
	case errors.Is(err, ErrDuplicateSubmission):
		code = codes.AlreadyExists
	case errors.Is(err, ErrLeaseTaken), errors.Is(err, ErrAssignmentComplete), errors.Is(err, ErrJobState):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}
