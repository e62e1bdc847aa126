package wire

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"pkt.systems/nbkernel/schema"
	"pkt.systems/pslog"
)

// ErrClosed is returned by Send and Recv after Close.
var ErrClosed = errors.New("wire connection closed")

// Conn sends and receives messages over a reader/writer pair.
type Conn struct {
	writer  io.Writer
	writeMu sync.Mutex
	closers []io.Closer
	log     pslog.Logger

	incoming chan schema.Message
	errMu    sync.Mutex
	err      error

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn starts reading messages from r. Closers are closed by Close.
func NewConn(ctx context.Context, r io.Reader, w io.Writer, closers ...io.Closer) *Conn {
	c := &Conn{
		writer:   w,
		closers:  closers,
		log:      pslog.Ctx(ctx),
		incoming: make(chan schema.Message, 256),
		closed:   make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Pipe returns two connected in-memory connections.
func Pipe(ctx context.Context) (*Conn, *Conn) {
	aReader, bWriter := io.Pipe()
	bReader, aWriter := io.Pipe()
	a := NewConn(ctx, aReader, aWriter, aReader, aWriter)
	b := NewConn(ctx, bReader, bWriter, bReader, bWriter)
	return a, b
}

func (c *Conn) readLoop(r io.Reader) {
	defer close(c.incoming)
	reader := newLineReader(r)
	for {
		msg, err := reader.next()
		if err != nil {
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				if c.log != nil {
					line := string(decodeErr.Line())
					preview := previewText(line, 200)
					c.log.Warn("wire decode failed", "preview", preview, "truncated", len(preview) < len(line), "err", err)
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				if c.log != nil {
					c.log.Debug("wire read ended", "err", err)
				}
				c.setErr(err)
			}
			return
		}
		select {
		case c.incoming <- msg:
		case <-c.closed:
			return
		}
	}
}

// Send writes one message.
func (c *Conn) Send(ctx context.Context, msg schema.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(data); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return ErrClosed
		}
		return err
	}
	if c.log != nil {
		c.log.Trace("wire send", "msg_type", msg.Header.MsgType, "msg_id", msg.Header.MsgID, "bytes", len(data))
	}
	return nil
}

// Recv returns the next message, io.EOF once the peer is gone, or ErrClosed after Close.
func (c *Conn) Recv(ctx context.Context) (schema.Message, error) {
	select {
	case <-ctx.Done():
		return schema.Message{}, ctx.Err()
	case <-c.closed:
		return schema.Message{}, ErrClosed
	case msg, ok := <-c.incoming:
		if ok {
			return msg, nil
		}
		if err := c.readErr(); err != nil {
			return schema.Message{}, err
		}
		return schema.Message{}, io.EOF
	}
}

// Close releases the underlying streams.
func (c *Conn) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		close(c.closed)
		for _, closer := range c.closers {
			if closer == nil {
				continue
			}
			if err := closer.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Conn) readErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func previewText(value string, max int) string {
	value = strings.TrimSpace(value)
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}
