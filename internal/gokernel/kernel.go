// Package gokernel is a kernel that evaluates Go source with the yaegi
// interpreter and speaks the nbkernel wire protocol.
package gokernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"pkt.systems/nbkernel/core"
	"pkt.systems/nbkernel/internal/history"
	"pkt.systems/nbkernel/internal/logx"
	"pkt.systems/nbkernel/internal/version"
	"pkt.systems/nbkernel/schema"
	"pkt.systems/pslog"
)

// Recorder stores executions made with store_history.
type Recorder interface {
	Append(ctx context.Context, entry history.Entry) error
}

// Config controls a Kernel.
type Config struct {
	KernelID schema.KernelID
	History  Recorder
	// QueueDepth bounds the number of execute requests waiting to run.
	QueueDepth int
}

// Kernel serves one client connection.
type Kernel struct {
	cfg Config
	log pslog.Logger
	out core.Transport

	evalMu sync.Mutex
	eval   *evaluator
	count  int

	jobs chan job

	mu      sync.Mutex
	current *execution
	session schema.SessionID
}

type job struct {
	msg     schema.Message
	restart bool
}

// New constructs a kernel.
func New(cfg Config) *Kernel {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	return &Kernel{cfg: cfg}
}

// Serve answers requests arriving on conn until the peer hangs up, a
// shutdown is requested, or ctx ends. It does not close conn.
func (k *Kernel) Serve(ctx context.Context, conn core.Transport) error {
	k.log = logx.WithKernel(ctx, k.cfg.KernelID)
	k.out = conn
	k.jobs = make(chan job, k.cfg.QueueDepth)
	eval, err := newEvaluator(k)
	if err != nil {
		return err
	}
	k.evalMu.Lock()
	k.eval = eval
	k.count = 0
	k.evalMu.Unlock()

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	k.publishStatus(serveCtx, schema.Message{}, schema.KernelStarting)
	k.publishStatus(serveCtx, schema.Message{}, schema.KernelIdle)
	k.log.Info("go kernel serving")

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		k.work(serveCtx)
	}()
	defer func() {
		cancel()
		k.cancelCurrent()
		<-workerDone
	}()

	for {
		msg, err := conn.Recv(serveCtx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || serveCtx.Err() != nil {
				k.log.Info("go kernel stopped", "err", err)
				return nil
			}
			k.log.Warn("go kernel receive failed", "err", err)
			return err
		}
		if stop := k.handle(serveCtx, msg); stop {
			k.log.Info("go kernel shut down")
			return nil
		}
	}
}

// handle dispatches one incoming message. It reports true when the kernel
// must stop serving.
func (k *Kernel) handle(ctx context.Context, msg schema.Message) bool {
	log := logx.WithMessage(k.log, msg)
	log.Trace("go kernel received")
	k.mu.Lock()
	if msg.Header.Session != "" {
		k.session = msg.Header.Session
	}
	k.mu.Unlock()
	switch msg.Header.MsgType {
	case schema.MsgExecuteRequest:
		select {
		case k.jobs <- job{msg: msg}:
		default:
			log.Warn("execute queue full")
			k.abortRequest(ctx, msg)
		}
	case schema.MsgKernelInfoRequest:
		k.send(ctx, msg, schema.ChannelShell, schema.MsgKernelInfoReply, k.kernelInfo())
	case schema.MsgInterruptRequest:
		interrupted := k.cancelCurrent()
		log.Info("interrupt requested", "interrupted", interrupted)
		k.send(ctx, msg, schema.ChannelControl, schema.MsgInterruptReply, schema.ControlReply{Status: schema.ReplyOK})
	case schema.MsgShutdownRequest:
		var req schema.ShutdownRequest
		if err := msg.DecodeContent(&req); err != nil {
			log.Warn("shutdown request malformed", "err", err)
		}
		k.cancelCurrent()
		k.abortQueued(ctx)
		if req.Restart {
			k.jobs <- job{msg: msg, restart: true}
			return false
		}
		k.send(ctx, msg, schema.ChannelControl, schema.MsgShutdownReply, schema.ControlReply{Status: schema.ReplyOK})
		return true
	case schema.MsgInputReply:
		var reply schema.InputReply
		if err := msg.DecodeContent(&reply); err != nil {
			log.Warn("input reply malformed", "err", err)
			return false
		}
		if !k.deliverInput(reply.Value) {
			log.Warn("input reply without pending request")
		}
	default:
		log.Warn("unsupported message type")
	}
	return false
}

func (k *Kernel) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-k.jobs:
			if next.restart {
				k.restart(ctx, next.msg)
				continue
			}
			status := k.execute(ctx, next.msg)
			if status == schema.ReplyError && stopOnError(next.msg) {
				k.abortQueued(ctx)
			}
		}
	}
}

func (k *Kernel) restart(ctx context.Context, msg schema.Message) {
	k.publishStatus(ctx, schema.Message{}, schema.KernelRestarting)
	eval, err := newEvaluator(k)
	status := schema.ReplyOK
	if err != nil {
		k.log.Error("go kernel restart failed", "err", err)
		status = schema.ReplyError
	} else {
		k.evalMu.Lock()
		k.eval = eval
		k.count = 0
		k.evalMu.Unlock()
		k.log.Info("go kernel restarted")
	}
	k.send(ctx, msg, schema.ChannelControl, schema.MsgShutdownReply, schema.ControlReply{Status: status, Restart: true})
	k.publishStatus(ctx, schema.Message{}, schema.KernelIdle)
}

func stopOnError(msg schema.Message) bool {
	var req schema.ExecuteRequest
	if err := msg.DecodeContent(&req); err != nil {
		return false
	}
	return req.StopOnError
}

// abortQueued replies aborted to every execute request still waiting.
func (k *Kernel) abortQueued(ctx context.Context) {
	for {
		select {
		case next := <-k.jobs:
			if next.restart {
				k.jobs <- next
				return
			}
			k.abortRequest(ctx, next.msg)
		default:
			return
		}
	}
}

func (k *Kernel) abortRequest(ctx context.Context, msg schema.Message) {
	k.evalMu.Lock()
	count := k.count
	k.evalMu.Unlock()
	logx.WithMessage(k.log, msg).Debug("execute aborted before running")
	k.send(ctx, msg, schema.ChannelShell, schema.MsgExecuteReply, schema.AbortedReply(count))
}

func (k *Kernel) kernelInfo() schema.KernelInfo {
	return schema.KernelInfo{
		Status:                schema.ReplyOK,
		ProtocolVersion:       schema.ProtocolVersion,
		Implementation:        "nbkernel",
		ImplementationVersion: version.Current(),
		LanguageInfo: schema.LanguageInfo{
			Name:          "go",
			Version:       runtime.Version(),
			FileExtension: ".go",
		},
		Banner: fmt.Sprintf("nbkernel %s (yaegi, %s)", version.Current(), runtime.Version()),
	}
}

func (k *Kernel) send(ctx context.Context, parent schema.Message, channel schema.Channel, msgType schema.MsgType, content any) {
	msg, err := schema.NewReply(parent, channel, msgType, content)
	if err != nil {
		k.log.Error("go kernel encode failed", "msg_type", msgType, "err", err)
		return
	}
	if parent.Header.MsgID == "" {
		k.mu.Lock()
		msg.Header.Session = k.session
		k.mu.Unlock()
	}
	if err := k.out.Send(context.WithoutCancel(ctx), msg); err != nil {
		k.log.Debug("go kernel send failed", "msg_type", msgType, "err", err)
	}
}

func (k *Kernel) publishStatus(ctx context.Context, parent schema.Message, status schema.KernelStatus) {
	k.send(ctx, parent, schema.ChannelIOPub, schema.MsgStatus, schema.StatusContent{ExecutionState: status})
}
