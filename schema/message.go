package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the wire protocol version spoken by nbkernel.
const ProtocolVersion = "5.3"

// MsgType names the payload carried by a Message.
type MsgType string

const (
	MsgExecuteRequest    MsgType = "execute_request"
	MsgExecuteReply      MsgType = "execute_reply"
	MsgStream            MsgType = "stream"
	MsgDisplayData       MsgType = "display_data"
	MsgExecuteResult     MsgType = "execute_result"
	MsgError             MsgType = "error"
	MsgStatus            MsgType = "status"
	MsgInputRequest      MsgType = "input_request"
	MsgInputReply        MsgType = "input_reply"
	MsgKernelInfoRequest MsgType = "kernel_info_request"
	MsgKernelInfoReply   MsgType = "kernel_info_reply"
	MsgInterruptRequest  MsgType = "interrupt_request"
	MsgInterruptReply    MsgType = "interrupt_reply"
	MsgShutdownRequest   MsgType = "shutdown_request"
	MsgShutdownReply     MsgType = "shutdown_reply"
)

// Channel names the logical socket a message travels on.
type Channel string

const (
	// ChannelShell carries requests and their replies.
	ChannelShell Channel = "shell"
	// ChannelIOPub carries outputs and status broadcasts.
	ChannelIOPub Channel = "iopub"
	// ChannelStdin carries input requests and replies.
	ChannelStdin Channel = "stdin"
	// ChannelControl carries interrupt and shutdown requests.
	ChannelControl Channel = "control"
)

// Header identifies a message.
type Header struct {
	MsgID   MsgID     `json:"msg_id,omitempty"`
	MsgType MsgType   `json:"msg_type,omitempty"`
	Session SessionID `json:"session,omitempty"`
	Date    time.Time `json:"date,omitzero"`
	Version string    `json:"version,omitempty"`
}

// Message is the unit exchanged between a client and a kernel.
type Message struct {
	Header  Header          `json:"header"`
	Parent  Header          `json:"parent_header"`
	Channel Channel         `json:"channel"`
	Content json.RawMessage `json:"content"`
}

// NewMsgID returns a fresh message id.
func NewMsgID() MsgID {
	return MsgID(uuid.NewString())
}

// NewMessage builds a message with a fresh id.
func NewMessage(session SessionID, channel Channel, msgType MsgType, content any) (Message, error) {
	raw, err := rawContent(content)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s content: %w", msgType, err)
	}
	return Message{
		Header: Header{
			MsgID:   NewMsgID(),
			MsgType: msgType,
			Session: session,
			Date:    time.Now().UTC(),
			Version: ProtocolVersion,
		},
		Channel: channel,
		Content: raw,
	}, nil
}

// NewReply builds a message whose parent is the given request.
func NewReply(parent Message, channel Channel, msgType MsgType, content any) (Message, error) {
	msg, err := NewMessage(parent.Header.Session, channel, msgType, content)
	if err != nil {
		return Message{}, err
	}
	msg.Parent = parent.Header
	return msg, nil
}

// DecodeContent unmarshals the message content into dst.
func (m Message) DecodeContent(dst any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%w: %s has no content", ErrInvalidMessage, m.Header.MsgType)
	}
	if err := json.Unmarshal(m.Content, dst); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrInvalidMessage, m.Header.MsgType, err)
	}
	return nil
}

// Validate checks the fields every message must carry.
func (m Message) Validate() error {
	if m.Header.MsgID == "" {
		return fmt.Errorf("%w: missing msg_id", ErrInvalidMessage)
	}
	if m.Header.MsgType == "" {
		return fmt.Errorf("%w: missing msg_type", ErrInvalidMessage)
	}
	return nil
}

// LanguageInfo describes the language a kernel executes.
type LanguageInfo struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	FileExtension string `json:"file_extension"`
}

// KernelInfo is the content of a kernel_info_reply.
type KernelInfo struct {
	Status                ReplyStatus  `json:"status"`
	ProtocolVersion       string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version"`
	LanguageInfo          LanguageInfo `json:"language_info"`
	Banner                string       `json:"banner"`
}

// ShutdownRequest is the content of shutdown requests and replies.
type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

// ControlReply is the content of interrupt and shutdown replies.
type ControlReply struct {
	Status  ReplyStatus `json:"status"`
	Restart bool        `json:"restart,omitempty"`
}
