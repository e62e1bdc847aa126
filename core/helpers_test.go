package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"pkt.systems/nbkernel/schema"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport hands messages to a scripted kernel driven by the test.
type fakeTransport struct {
	toKernel   chan schema.Message
	fromKernel chan schema.Message
	hangup     chan struct{}
	hangOnce   sync.Once
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		toKernel:   make(chan schema.Message, 64),
		fromKernel: make(chan schema.Message),
		hangup:     make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

func (f *fakeTransport) Send(ctx context.Context, msg schema.Message) error {
	select {
	case <-f.closed:
		return errTransportClosed
	case <-f.hangup:
		return io.ErrClosedPipe
	default:
	}
	select {
	case f.toKernel <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Recv(ctx context.Context) (schema.Message, error) {
	select {
	case msg := <-f.fromKernel:
		return msg, nil
	case <-f.hangup:
		return schema.Message{}, io.EOF
	case <-f.closed:
		return schema.Message{}, errTransportClosed
	case <-ctx.Done():
		return schema.Message{}, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) hangUp() {
	f.hangOnce.Do(func() { close(f.hangup) })
}

// scriptKernel plays the kernel side of a fakeTransport.
type scriptKernel struct {
	t     *testing.T
	tr    *fakeTransport
	count int
}

func (k *scriptKernel) next() schema.Message {
	k.t.Helper()
	select {
	case msg := <-k.tr.toKernel:
		return msg
	case <-time.After(2 * time.Second):
		k.t.Fatalf("timed out waiting for request")
		return schema.Message{}
	}
}

func (k *scriptKernel) emit(parent schema.Message, channel schema.Channel, msgType schema.MsgType, content any) {
	k.t.Helper()
	msg, err := schema.NewReply(parent, channel, msgType, content)
	if err != nil {
		k.t.Fatalf("NewReply: %v", err)
	}
	select {
	case k.tr.fromKernel <- msg:
	case <-time.After(2 * time.Second):
		k.t.Fatalf("timed out emitting %s", msgType)
	}
}

func (k *scriptKernel) status(parent schema.Message, status schema.KernelStatus) {
	k.t.Helper()
	k.emit(parent, schema.ChannelIOPub, schema.MsgStatus, schema.StatusContent{ExecutionState: status})
}

func (k *scriptKernel) reply(parent schema.Message, status schema.ReplyStatus) {
	k.t.Helper()
	var req schema.ExecuteRequest
	if err := parent.DecodeContent(&req); err != nil {
		k.t.Fatalf("decode request: %v", err)
	}
	if req.StoreHistory && !req.Silent {
		k.count++
	}
	reply := schema.ExecuteReply{Status: status, ExecutionCount: k.count}
	if status == schema.ReplyError {
		reply.Error = &schema.ErrorPayload{EName: "RuntimeError", EValue: "boom"}
	}
	k.emit(parent, schema.ChannelShell, schema.MsgExecuteReply, reply)
}

// recorder captures handler invocations in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
	once   sync.Once
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnOutput: func(out schema.Output) { r.add(Event{Type: EventOutput, Output: out}) },
		OnInput:  func(in schema.InputRequest) { r.add(Event{Type: EventInput, Input: in}) },
		OnReply: func(reply schema.ExecuteReply) {
			r.add(Event{Type: EventReply, Reply: reply})
			r.once.Do(func() { close(r.done) })
		},
	}
}

func (r *recorder) add(event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) wait(t *testing.T) []Event {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reply; got %+v", r.snapshot())
	}
	return r.snapshot()
}

func newTestConnection(t *testing.T, opts Options) (*Connection, *scriptKernel) {
	t.Helper()
	tr := newFakeTransport()
	conn, err := Connect(context.Background(), tr, opts)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, &scriptKernel{t: t, tr: tr}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
