package core

import (
	"context"
	"sync"

	"pkt.systems/nbkernel/schema"
)

// Handlers are the callbacks of one execution. They are fixed at submission
// and run on the connection's delivery goroutine, one at a time.
type Handlers struct {
	OnOutput func(schema.Output)
	OnInput  func(schema.InputRequest)
	OnReply  func(schema.ExecuteReply)
}

// EventType identifies the notification carried by an Event.
type EventType string

const (
	// EventOutput carries a streamed output.
	EventOutput EventType = "output"
	// EventInput carries an input request.
	EventInput EventType = "input"
	// EventReply carries the terminal reply.
	EventReply EventType = "reply"
)

// Event is one notification of a future, in delivery order.
type Event struct {
	Type   EventType
	Output schema.Output
	Input  schema.InputRequest
	Reply  schema.ExecuteReply
}

// Future is the caller's handle on one in-flight execution.
type Future struct {
	conn     *Connection
	id       schema.MsgID
	req      schema.ExecuteRequest
	handlers Handlers

	mu         sync.Mutex
	events     []Event
	terminal   bool
	reply      schema.ExecuteReply
	inputFrom  *schema.Header
	changed    chan struct{}
	cancelOnce sync.Once
	cancelled  chan struct{}
	done       chan struct{}
}

func newFuture(conn *Connection, id schema.MsgID, req schema.ExecuteRequest, handlers Handlers) *Future {
	return &Future{
		conn:      conn,
		id:        id,
		req:       req,
		handlers:  handlers,
		changed:   make(chan struct{}),
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the message id of the execute request.
func (f *Future) ID() schema.MsgID {
	return f.id
}

// Request returns the submitted request.
func (f *Future) Request() schema.ExecuteRequest {
	return f.req
}

// Done is closed once the reply has been delivered.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Cancelled reports whether Cancel was called.
func (f *Future) Cancelled() bool {
	select {
	case <-f.cancelled:
		return true
	default:
		return false
	}
}

// Wait blocks until the reply is delivered, the future is cancelled, or ctx ends.
func (f *Future) Wait(ctx context.Context) (schema.ExecuteReply, error) {
	select {
	case <-f.done:
		return f.delivered(), nil
	default:
	}
	select {
	case <-f.done:
		return f.delivered(), nil
	case <-f.cancelled:
		return schema.ExecuteReply{}, schema.ErrFutureCancelled
	case <-ctx.Done():
		return schema.ExecuteReply{}, ctx.Err()
	}
}

func (f *Future) delivered() schema.ExecuteReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reply
}

// Cancel stops delivery to this future. The kernel may keep executing.
func (f *Future) Cancel() {
	f.cancelOnce.Do(func() {
		close(f.cancelled)
		if f.conn != nil {
			f.conn.forget(f)
		}
	})
}

// SendInput answers the pending input request.
func (f *Future) SendInput(ctx context.Context, value string) error {
	if f.Cancelled() {
		return schema.ErrFutureCancelled
	}
	f.mu.Lock()
	parent := f.inputFrom
	f.inputFrom = nil
	f.mu.Unlock()
	if parent == nil {
		return schema.ErrNoInputPending
	}
	return f.conn.sendInput(ctx, *parent, value)
}

// Events replays every notification of the future, then closes once the
// reply was sent, the future is cancelled, or ctx ends. The channel must be
// drained.
func (f *Future) Events(ctx context.Context) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		next := 0
		for {
			f.mu.Lock()
			pending := f.events[next:]
			terminal := f.terminal
			changed := f.changed
			f.mu.Unlock()
			for _, event := range pending {
				select {
				case ch <- event:
					next++
				case <-f.cancelled:
					return
				case <-ctx.Done():
					return
				}
			}
			if len(pending) == 0 && terminal {
				return
			}
			if len(pending) > 0 {
				continue
			}
			select {
			case <-changed:
			case <-f.cancelled:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (f *Future) setInputParent(header schema.Header) {
	f.mu.Lock()
	f.inputFrom = &header
	f.mu.Unlock()
}

// record appends an event and wakes Events readers. Reports false when the
// future no longer accepts notifications.
func (f *Future) record(event Event) bool {
	if f.Cancelled() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminal {
		return false
	}
	f.events = append(f.events, event)
	if event.Type == EventReply {
		f.terminal = true
		f.reply = event.Reply
	}
	close(f.changed)
	f.changed = make(chan struct{})
	return true
}

// deliver runs on the delivery goroutine.
func (f *Future) deliver(event Event) {
	if !f.record(event) {
		return
	}
	switch event.Type {
	case EventOutput:
		if f.handlers.OnOutput != nil {
			f.handlers.OnOutput(event.Output)
		}
	case EventInput:
		if f.handlers.OnInput != nil {
			f.handlers.OnInput(event.Input)
		}
	case EventReply:
		defer close(f.done)
		if f.handlers.OnReply != nil {
			f.handlers.OnReply(event.Reply)
		}
	}
}
