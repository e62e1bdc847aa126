package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrKernelUnavailable indicates there is no usable kernel connection.
	ErrKernelUnavailable = errors.New("kernel unavailable")
	// ErrEmptyCode indicates the submitted code was empty or whitespace.
	ErrEmptyCode = errors.New("empty code")
	// ErrAborted indicates the execution was aborted before completing.
	ErrAborted = errors.New("execution aborted")
	// ErrFutureCancelled indicates the future was cancelled by its caller.
	ErrFutureCancelled = errors.New("future cancelled")
	// ErrNoInputPending indicates an input reply was sent without a pending request.
	ErrNoInputPending = errors.New("no input request pending")
	// ErrStdinNotAllowed indicates code asked for input on a request without allow_stdin.
	ErrStdinNotAllowed = errors.New("stdin not allowed for this request")
	// ErrInvalidMessage indicates a malformed wire message.
	ErrInvalidMessage = errors.New("invalid message")
)

// ExecutionError carries the remote error payload of an error reply.
type ExecutionError struct {
	Payload ErrorPayload
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return "execution error"
	}
	if e.Payload.EValue == "" {
		return fmt.Sprintf("execution error: %s", e.Payload.EName)
	}
	return fmt.Sprintf("execution error: %s: %s", e.Payload.EName, e.Payload.EValue)
}
