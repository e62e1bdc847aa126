package schema

import (
	"encoding/json"
	"fmt"
)

// OutputKind classifies a streamed output.
type OutputKind string

const (
	// OutputStream is text written to stdout or stderr.
	OutputStream OutputKind = "stream"
	// OutputDisplayData is rich data published by the code.
	OutputDisplayData OutputKind = "display_data"
	// OutputExecuteResult is the value of the last expression.
	OutputExecuteResult OutputKind = "execute_result"
	// OutputError is an error raised by the code.
	OutputError OutputKind = "error"
)

// MimeTextPlain is the mime key for plain text representations.
const MimeTextPlain = "text/plain"

// Output is one self-contained streamed output of an execution.
type Output struct {
	Kind           OutputKind
	Name           string
	Text           string
	Data           map[string]string
	ExecutionCount int
	Error          *ErrorPayload
}

// PlainText returns the best plain text rendering of the output.
func (o Output) PlainText() string {
	switch o.Kind {
	case OutputStream:
		return o.Text
	case OutputDisplayData, OutputExecuteResult:
		return o.Data[MimeTextPlain]
	case OutputError:
		if o.Error == nil {
			return ""
		}
		if o.Error.EValue == "" {
			return o.Error.EName
		}
		return o.Error.EName + ": " + o.Error.EValue
	default:
		return ""
	}
}

// StreamContent is the content of a stream message.
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// DisplayDataContent is the content of display_data and execute_result messages.
type DisplayDataContent struct {
	ExecutionCount int               `json:"execution_count,omitempty"`
	Data           map[string]string `json:"data"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

// StatusContent is the content of a status message.
type StatusContent struct {
	ExecutionState KernelStatus `json:"execution_state"`
}

// IsOutput reports whether the message type is delivered as a streamed output.
// Status messages are not: they change the connection status instead.
func IsOutput(msgType MsgType) bool {
	switch msgType {
	case MsgStream, MsgDisplayData, MsgExecuteResult, MsgError:
		return true
	default:
		return false
	}
}

// OutputFromMessage decodes an iopub message into an Output.
func OutputFromMessage(msg Message) (Output, error) {
	switch msg.Header.MsgType {
	case MsgStream:
		var content StreamContent
		if err := msg.DecodeContent(&content); err != nil {
			return Output{}, err
		}
		return Output{Kind: OutputStream, Name: content.Name, Text: content.Text}, nil
	case MsgDisplayData, MsgExecuteResult:
		var content DisplayDataContent
		if err := msg.DecodeContent(&content); err != nil {
			return Output{}, err
		}
		kind := OutputDisplayData
		if msg.Header.MsgType == MsgExecuteResult {
			kind = OutputExecuteResult
		}
		return Output{Kind: kind, Data: content.Data, ExecutionCount: content.ExecutionCount}, nil
	case MsgError:
		var content ErrorPayload
		if err := msg.DecodeContent(&content); err != nil {
			return Output{}, err
		}
		return Output{Kind: OutputError, Error: &content}, nil
	default:
		return Output{}, fmt.Errorf("%w: %q is not an output", ErrInvalidMessage, msg.Header.MsgType)
	}
}

func rawContent(content any) (json.RawMessage, error) {
	if content == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := content.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(content)
}
