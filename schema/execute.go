package schema

import "fmt"

// ExecuteRequest asks a kernel to run a piece of code.
type ExecuteRequest struct {
	Code         string `json:"code"`
	Silent       bool   `json:"silent"`
	StoreHistory bool   `json:"store_history"`
	StopOnError  bool   `json:"stop_on_error"`
	AllowStdin   bool   `json:"allow_stdin"`
}

// DefaultExecuteRequest returns the request a notebook cell sends for code.
func DefaultExecuteRequest(code string) ExecuteRequest {
	return ExecuteRequest{
		Code:         code,
		StoreHistory: true,
		StopOnError:  true,
	}
}

// ReplyStatus is the terminal status of an execution.
type ReplyStatus string

const (
	// ReplyOK means the code ran to completion.
	ReplyOK ReplyStatus = "ok"
	// ReplyError means the code raised an error.
	ReplyError ReplyStatus = "error"
	// ReplyAborted means the execution was interrupted, skipped, or lost.
	ReplyAborted ReplyStatus = "aborted"
)

// ErrorPayload is the opaque error reported by a kernel.
type ErrorPayload struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback,omitempty"`
}

// ExecuteReply is the terminal notification of an execution.
type ExecuteReply struct {
	Status         ReplyStatus   `json:"status"`
	ExecutionCount int           `json:"execution_count"`
	Error          *ErrorPayload `json:"error,omitempty"`
}

// Err converts a non-ok reply into an error.
func (r ExecuteReply) Err() error {
	switch r.Status {
	case ReplyOK:
		return nil
	case ReplyAborted:
		return ErrAborted
	case ReplyError:
		if r.Error == nil {
			return &ExecutionError{}
		}
		return &ExecutionError{Payload: *r.Error}
	default:
		return fmt.Errorf("%w: reply status %q", ErrInvalidMessage, r.Status)
	}
}

// AbortedReply builds the reply delivered when an execution did not finish.
func AbortedReply(executionCount int) ExecuteReply {
	return ExecuteReply{Status: ReplyAborted, ExecutionCount: executionCount}
}

// InputRequest is a stdin-style prompt raised by running code.
type InputRequest struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

// InputReply answers an InputRequest.
type InputReply struct {
	Value string `json:"value"`
}
