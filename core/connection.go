package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"pkt.systems/nbkernel/internal/logx"
	"pkt.systems/nbkernel/schema"
	"pkt.systems/pslog"
)

// Options configures a Connection.
type Options struct {
	KernelID   schema.KernelID
	Session    schema.SessionID
	StatusSink StatusSink
	Logger     pslog.Logger
}

// Connection is the client side of one kernel session. It owns the mapping
// from request ids to futures for its lifetime.
type Connection struct {
	id        schema.KernelID
	session   schema.SessionID
	transport Transport
	sink      StatusSink
	log       pslog.Logger

	mu             sync.Mutex
	status         schema.KernelStatus
	executionCount int
	pending        map[schema.MsgID]*Future
	calls          map[schema.MsgID]chan schema.Message
	closed         bool

	outbox     *queue[outbound]
	deliveries *queue[func()]

	cancel   context.CancelFunc
	lost     chan struct{}
	lostOnce sync.Once
	readDone chan struct{}
}

type outbound struct {
	msg    schema.Message
	future *Future
}

// Connect starts a connection over transport. The connection owns the
// transport and closes it on Close.
func Connect(ctx context.Context, transport Transport, opts Options) (*Connection, error) {
	if transport == nil {
		return nil, schema.ErrKernelUnavailable
	}
	if opts.KernelID == "" {
		opts.KernelID = schema.KernelID(schema.NewMsgID())
	}
	if opts.Session == "" {
		opts.Session = schema.SessionID(schema.NewMsgID())
	}
	if opts.Logger != nil {
		ctx = pslog.ContextWithLogger(ctx, opts.Logger)
	}
	log := logx.WithKernelSession(ctx, opts.KernelID, opts.Session)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = pslog.ContextWithLogger(runCtx, log)
	c := &Connection{
		id:         opts.KernelID,
		session:    opts.Session,
		transport:  transport,
		sink:       opts.StatusSink,
		log:        log,
		pending:    make(map[schema.MsgID]*Future),
		calls:      make(map[schema.MsgID]chan schema.Message),
		outbox:     newQueue[outbound](),
		deliveries: newQueue[func()](),
		cancel:     cancel,
		lost:       make(chan struct{}),
		readDone:   make(chan struct{}),
	}
	go c.deliveryLoop()
	go c.writeLoop(runCtx)
	go c.readLoop(runCtx)
	log.Info("kernel connection open", "session", c.session)
	return c, nil
}

// ID returns the kernel id.
func (c *Connection) ID() schema.KernelID {
	return c.id
}

// Session returns the wire session id.
func (c *Connection) Session() schema.SessionID {
	return c.session
}

// Status returns the current kernel status.
func (c *Connection) Status() schema.KernelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ExecutionCount returns the last execution count reported by the kernel.
func (c *Connection) ExecutionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executionCount
}

// Submit sends an execute request. It never waits for the kernel; all
// results arrive through the returned future.
func (c *Connection) Submit(ctx context.Context, req schema.ExecuteRequest, handlers Handlers) (*Future, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, schema.ErrEmptyCode
	}
	msg, err := schema.NewMessage(c.session, schema.ChannelShell, schema.MsgExecuteRequest, req)
	if err != nil {
		return nil, err
	}
	future := newFuture(c, msg.Header.MsgID, req, handlers)

	c.mu.Lock()
	if c.closed || c.status == schema.KernelDead {
		c.mu.Unlock()
		return nil, schema.ErrKernelUnavailable
	}
	c.pending[future.id] = future
	c.mu.Unlock()

	if !c.outbox.push(outbound{msg: msg, future: future}) {
		c.forget(future)
		return nil, schema.ErrKernelUnavailable
	}
	c.log.Debug("execute submitted", "msg_id", future.id, "code_len", len(req.Code), "silent", req.Silent, "store_history", req.StoreHistory, "stop_on_error", req.StopOnError)
	return future, nil
}

// KernelInfo asks the kernel to describe itself.
func (c *Connection) KernelInfo(ctx context.Context) (schema.KernelInfo, error) {
	reply, err := c.call(ctx, schema.ChannelShell, schema.MsgKernelInfoRequest, nil)
	if err != nil {
		return schema.KernelInfo{}, err
	}
	var info schema.KernelInfo
	if err := reply.DecodeContent(&info); err != nil {
		return schema.KernelInfo{}, err
	}
	return info, nil
}

// Interrupt asks the kernel to stop the running execution. The interrupted
// execution replies with status aborted.
func (c *Connection) Interrupt(ctx context.Context) error {
	reply, err := c.call(ctx, schema.ChannelControl, schema.MsgInterruptRequest, nil)
	if err != nil {
		return err
	}
	return controlErr(reply)
}

// Shutdown asks the kernel to stop, or to restart when restart is set.
func (c *Connection) Shutdown(ctx context.Context, restart bool) error {
	reply, err := c.call(ctx, schema.ChannelControl, schema.MsgShutdownRequest, schema.ShutdownRequest{Restart: restart})
	if err != nil {
		return err
	}
	if err := controlErr(reply); err != nil {
		return err
	}
	if restart {
		c.mu.Lock()
		c.executionCount = 0
		c.mu.Unlock()
	}
	c.log.Info("kernel shutdown acknowledged", "restart", restart)
	return nil
}

// Close closes the transport. Pending executions are replied aborted.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.transport.Close()
	c.cancel()
	<-c.readDone
	c.outbox.close()
	c.deliveries.close()
	c.log.Info("kernel connection closed")
	return err
}

func controlErr(reply schema.Message) error {
	var content schema.ControlReply
	if err := reply.DecodeContent(&content); err != nil {
		return err
	}
	if content.Status != schema.ReplyOK {
		return fmt.Errorf("%s failed: status %q", reply.Header.MsgType, content.Status)
	}
	return nil
}

func (c *Connection) call(ctx context.Context, channel schema.Channel, msgType schema.MsgType, content any) (schema.Message, error) {
	msg, err := schema.NewMessage(c.session, channel, msgType, content)
	if err != nil {
		return schema.Message{}, err
	}
	replyCh := make(chan schema.Message, 1)
	c.mu.Lock()
	if c.closed || c.status == schema.KernelDead {
		c.mu.Unlock()
		return schema.Message{}, schema.ErrKernelUnavailable
	}
	c.calls[msg.Header.MsgID] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.calls, msg.Header.MsgID)
		c.mu.Unlock()
	}()
	if !c.outbox.push(outbound{msg: msg}) {
		return schema.Message{}, schema.ErrKernelUnavailable
	}
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-c.lost:
		return schema.Message{}, schema.ErrKernelUnavailable
	case <-ctx.Done():
		return schema.Message{}, ctx.Err()
	}
}

func (c *Connection) sendInput(ctx context.Context, parent schema.Header, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := schema.NewMessage(c.session, schema.ChannelStdin, schema.MsgInputReply, schema.InputReply{Value: value})
	if err != nil {
		return err
	}
	msg.Parent = parent
	if !c.outbox.push(outbound{msg: msg}) {
		return schema.ErrKernelUnavailable
	}
	return nil
}

func (c *Connection) forget(f *Future) {
	c.mu.Lock()
	if c.pending[f.id] == f {
		delete(c.pending, f.id)
	}
	c.mu.Unlock()
}

func (c *Connection) lookup(id schema.MsgID) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

// take removes a future so exactly one caller delivers its reply.
func (c *Connection) take(id schema.MsgID) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.pending[id]
	delete(c.pending, id)
	return f
}

func (c *Connection) post(f *Future, event Event) {
	c.deliveries.push(func() { f.deliver(event) })
}

func (c *Connection) abort(f *Future) {
	c.post(f, Event{Type: EventReply, Reply: schema.AbortedReply(c.ExecutionCount())})
}

func (c *Connection) deliveryLoop() {
	for {
		fn, ok := c.deliveries.pop()
		if !ok {
			return
		}
		c.runIsolated(fn)
	}
}

func (c *Connection) runIsolated(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("execution handler panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (c *Connection) writeLoop(ctx context.Context) {
	for {
		item, ok := c.outbox.pop()
		if !ok {
			return
		}
		err := c.transport.Send(ctx, item.msg)
		if err == nil {
			continue
		}
		c.log.Warn("kernel send failed", "msg_type", item.msg.Header.MsgType, "msg_id", item.msg.Header.MsgID, "err", err)
		if item.future != nil {
			if f := c.take(item.future.id); f != nil {
				c.abort(f)
			}
		}
	}
}

func (c *Connection) readLoop(ctx context.Context) {
	defer close(c.readDone)
	for {
		msg, err := c.transport.Recv(ctx)
		if err != nil {
			c.lose(err)
			return
		}
		c.route(msg)
	}
}

func (c *Connection) route(msg schema.Message) {
	msgType := msg.Header.MsgType
	parent := msg.Parent.MsgID
	switch {
	case msgType == schema.MsgStatus:
		c.observeStatus(msg)
	case msgType == schema.MsgExecuteReply:
		c.routeReply(msg)
	case msgType == schema.MsgInputRequest:
		c.routeInput(msg)
	case schema.IsOutput(msgType):
		if parent == "" {
			return
		}
		f := c.lookup(parent)
		if f == nil {
			c.log.Trace("output dropped", "msg_type", msgType, "parent", parent)
			return
		}
		output, err := schema.OutputFromMessage(msg)
		if err != nil {
			c.log.Warn("output decode failed", "msg_type", msgType, "parent", parent, "err", err)
			return
		}
		c.post(f, Event{Type: EventOutput, Output: output})
	default:
		c.mu.Lock()
		replyCh, ok := c.calls[parent]
		c.mu.Unlock()
		if !ok {
			c.log.Trace("message dropped", "msg_type", msgType, "parent", parent)
			return
		}
		select {
		case replyCh <- msg:
		default:
		}
	}
}

func (c *Connection) routeReply(msg schema.Message) {
	var reply schema.ExecuteReply
	if err := msg.DecodeContent(&reply); err != nil {
		c.log.Warn("execute reply decode failed", "parent", msg.Parent.MsgID, "err", err)
		reply = schema.ExecuteReply{Status: schema.ReplyError, Error: &schema.ErrorPayload{EName: "ProtocolError", EValue: err.Error()}}
	}
	c.mu.Lock()
	if reply.ExecutionCount > c.executionCount {
		c.executionCount = reply.ExecutionCount
	}
	c.mu.Unlock()
	f := c.take(msg.Parent.MsgID)
	if f == nil {
		c.log.Trace("execute reply dropped", "parent", msg.Parent.MsgID)
		return
	}
	c.log.Debug("execute reply", "msg_id", f.id, "status", reply.Status, "execution_count", reply.ExecutionCount)
	c.post(f, Event{Type: EventReply, Reply: reply})
}

func (c *Connection) routeInput(msg schema.Message) {
	f := c.lookup(msg.Parent.MsgID)
	if f == nil {
		c.log.Trace("input request dropped", "parent", msg.Parent.MsgID)
		return
	}
	var req schema.InputRequest
	if err := msg.DecodeContent(&req); err != nil {
		c.log.Warn("input request decode failed", "parent", msg.Parent.MsgID, "err", err)
		return
	}
	f.setInputParent(msg.Header)
	c.post(f, Event{Type: EventInput, Input: req})
}

func (c *Connection) observeStatus(msg schema.Message) {
	var content schema.StatusContent
	if err := msg.DecodeContent(&content); err != nil {
		c.log.Warn("status decode failed", "err", err)
		return
	}
	c.setStatus(content.ExecutionState)
}

func (c *Connection) setStatus(status schema.KernelStatus) {
	c.mu.Lock()
	previous := c.status
	if previous == status || previous == schema.KernelDead {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.mu.Unlock()
	c.log.Debug("kernel status", "from", previous, "to", status)
	if c.sink != nil {
		c.sink.OnStatus(schema.StatusEvent{KernelID: c.id, Previous: previous, Status: status})
	}
}

// lose marks the kernel dead and aborts everything still pending.
func (c *Connection) lose(err error) {
	c.lostOnce.Do(func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		switch {
		case closed, errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
			c.log.Info("kernel connection ended", "err", err)
		default:
			c.log.Warn("kernel connection lost", "err", err)
		}
		c.setStatus(schema.KernelDead)
		c.mu.Lock()
		pending := make([]*Future, 0, len(c.pending))
		for id, f := range c.pending {
			pending = append(pending, f)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		for _, f := range pending {
			c.abort(f)
		}
		close(c.lost)
	})
}
