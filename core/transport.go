package core

import (
	"context"

	"pkt.systems/nbkernel/schema"
)

// Transport moves wire messages between a connection and a kernel.
type Transport interface {
	Send(ctx context.Context, msg schema.Message) error
	Recv(ctx context.Context) (schema.Message, error)
	Close() error
}

// StatusSink receives kernel status transitions.
type StatusSink interface {
	OnStatus(event schema.StatusEvent)
}

// Submitter is the part of a connection a cell needs to run code.
type Submitter interface {
	Submit(ctx context.Context, req schema.ExecuteRequest, handlers Handlers) (*Future, error)
}
