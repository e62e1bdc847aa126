package kernelgrpc

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"pkt.systems/nbkernel/internal/wire"
	"pkt.systems/nbkernel/schema"
	"pkt.systems/pslog"
)

// frameStream is the part of grpc.ServerStream and grpc.ClientStream used
// to move frames.
type frameStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// errFramesClosed is returned by Send after the stream was closed.
var errFramesClosed = errors.New("kernel grpc stream closed")

// frames adapts a gRPC stream of BytesValue frames to core.Transport. A
// single pump goroutine owns RecvMsg so Recv can honour its context.
type frames struct {
	stream frameStream
	log    pslog.Logger

	sendMu   sync.Mutex
	closed   bool
	incoming chan schema.Message
	errMu    sync.Mutex
	err      error
	done     chan struct{}
	stopOnce sync.Once
}

func newFrames(stream frameStream, log pslog.Logger) *frames {
	f := &frames{
		stream:   stream,
		log:      log,
		incoming: make(chan schema.Message, 256),
		done:     make(chan struct{}),
	}
	go f.pump()
	return f
}

func (f *frames) pump() {
	defer close(f.incoming)
	for {
		frame := new(wrapperspb.BytesValue)
		if err := f.stream.RecvMsg(frame); err != nil {
			f.setErr(err)
			return
		}
		msg, err := wire.Unmarshal(frame.GetValue())
		if err != nil {
			f.log.Warn("kernel grpc frame decode failed", "bytes", len(frame.GetValue()), "err", err)
			continue
		}
		select {
		case f.incoming <- msg:
		case <-f.done:
			return
		}
	}
}

func (f *frames) Send(ctx context.Context, msg schema.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	if f.closed {
		return errFramesClosed
	}
	if err := f.stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
		return wrapError("send", err)
	}
	f.log.Trace("kernel grpc frame sent", "msg_type", msg.Header.MsgType, "bytes", len(data))
	return nil
}

func (f *frames) Recv(ctx context.Context) (schema.Message, error) {
	select {
	case <-ctx.Done():
		return schema.Message{}, ctx.Err()
	case msg, ok := <-f.incoming:
		if ok {
			return msg, nil
		}
		f.errMu.Lock()
		err := f.err
		f.errMu.Unlock()
		if err == nil || errors.Is(err, io.EOF) {
			return schema.Message{}, io.EOF
		}
		return schema.Message{}, wrapError("recv", err)
	}
}

// Close half-closes a client stream and releases the pump. Server streams
// end when the handler returns.
func (f *frames) Close() error {
	err := f.closeSend()
	f.stop()
	return err
}

// closeSend must not race SendMsg, so it shares sendMu with Send.
func (f *frames) closeSend() error {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if cs, ok := f.stream.(interface{ CloseSend() error }); ok {
		return cs.CloseSend()
	}
	return nil
}

// stop releases a pump blocked on delivery.
func (f *frames) stop() {
	f.stopOnce.Do(func() { close(f.done) })
}

func (f *frames) setErr(err error) {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	if f.err == nil {
		f.err = err
	}
}
