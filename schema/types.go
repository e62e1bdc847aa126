package schema

// KernelID identifies a kernel connection.
type KernelID string

// SessionID identifies a client session on the wire.
type SessionID string

// MsgID identifies a single wire message.
type MsgID string
