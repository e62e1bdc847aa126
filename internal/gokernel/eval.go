package gokernel

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"pkt.systems/nbkernel/internal/history"
	"pkt.systems/nbkernel/internal/logx"
	"pkt.systems/nbkernel/schema"
)

// KernelPackage is the import path interpreted code uses to reach the kernel.
const KernelPackage = "kernel"

type evaluator struct {
	interp *interp.Interpreter
	stdout *streamWriter
	stderr *streamWriter
}

func newEvaluator(k *Kernel) (*evaluator, error) {
	stdout := &streamWriter{kernel: k, name: "stdout"}
	stderr := &streamWriter{kernel: k, name: "stderr"}
	i := interp.New(interp.Options{Stdout: stdout, Stderr: stderr})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if err := i.Use(interp.Exports{
		KernelPackage + "/" + KernelPackage: {
			"Input":    reflect.ValueOf(k.input),
			"Password": reflect.ValueOf(k.password),
		},
	}); err != nil {
		return nil, fmt.Errorf("load kernel symbols: %w", err)
	}
	return &evaluator{interp: i, stdout: stdout, stderr: stderr}, nil
}

// execution is the state of the request being evaluated.
type execution struct {
	msg    schema.Message
	req    schema.ExecuteRequest
	ctx    context.Context
	cancel context.CancelFunc
	inputs chan string

	mu       sync.Mutex
	inputErr error
}

func (e *execution) setInputErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inputErr == nil {
		e.inputErr = err
	}
}

func (e *execution) err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inputErr
}

func (k *Kernel) execute(ctx context.Context, msg schema.Message) schema.ReplyStatus {
	log := logx.WithMessage(k.log, msg)
	var req schema.ExecuteRequest
	if err := msg.DecodeContent(&req); err != nil {
		log.Warn("execute request malformed", "err", err)
		k.replyError(ctx, msg, 0, schema.ErrorPayload{EName: "ProtocolError", EValue: err.Error()}, req.Silent)
		return schema.ReplyError
	}
	k.publishStatus(ctx, msg, schema.KernelBusy)
	defer k.publishStatus(ctx, msg, schema.KernelIdle)

	k.evalMu.Lock()
	if req.StoreHistory && !req.Silent {
		k.count++
	}
	count := k.count
	eval := k.eval
	k.evalMu.Unlock()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	exec := &execution{msg: msg, req: req, ctx: execCtx, cancel: cancel, inputs: make(chan string, 1)}
	k.setCurrent(exec)
	defer k.setCurrent(nil)

	log.Debug("execute start", "execution_count", count, "code_len", len(req.Code), "silent", req.Silent)
	value, evalErr := eval.run(execCtx, req.Code)
	eval.stdout.flush()
	eval.stderr.flush()
	if evalErr == nil {
		evalErr = exec.err()
	}

	status := schema.ReplyOK
	var payload schema.ErrorPayload
	switch {
	case execCtx.Err() != nil:
		status = schema.ReplyAborted
	case evalErr != nil:
		status = schema.ReplyError
		payload = errorPayload(evalErr)
	}
	k.record(ctx, req, count, status)

	switch status {
	case schema.ReplyAborted:
		log.Info("execute interrupted", "execution_count", count)
		k.send(ctx, msg, schema.ChannelShell, schema.MsgExecuteReply, schema.AbortedReply(count))
	case schema.ReplyError:
		log.Debug("execute failed", "execution_count", count, "ename", payload.EName, "err", evalErr)
		k.replyError(ctx, msg, count, payload, req.Silent)
	default:
		if text, ok := displayValue(value); ok && !req.Silent {
			k.send(ctx, msg, schema.ChannelIOPub, schema.MsgExecuteResult, schema.DisplayDataContent{
				ExecutionCount: count,
				Data:           map[string]string{schema.MimeTextPlain: text},
			})
		}
		k.send(ctx, msg, schema.ChannelShell, schema.MsgExecuteReply, schema.ExecuteReply{Status: schema.ReplyOK, ExecutionCount: count})
		log.Debug("execute ok", "execution_count", count)
	}
	return status
}

func (k *Kernel) replyError(ctx context.Context, msg schema.Message, count int, payload schema.ErrorPayload, silent bool) {
	if !silent {
		k.send(ctx, msg, schema.ChannelIOPub, schema.MsgError, payload)
	}
	k.send(ctx, msg, schema.ChannelShell, schema.MsgExecuteReply, schema.ExecuteReply{
		Status:         schema.ReplyError,
		ExecutionCount: count,
		Error:          &payload,
	})
}

func (k *Kernel) record(ctx context.Context, req schema.ExecuteRequest, count int, status schema.ReplyStatus) {
	if k.cfg.History == nil || !req.StoreHistory || req.Silent {
		return
	}
	k.mu.Lock()
	session := k.session
	k.mu.Unlock()
	entry := history.Entry{Session: session, ExecutionCount: count, Code: req.Code, Status: status}
	if err := k.cfg.History.Append(context.WithoutCancel(ctx), entry); err != nil {
		k.log.Warn("history record failed", "execution_count", count, "err", err)
	}
}

func (e *evaluator) run(ctx context.Context, code string) (value reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.interp.EvalWithContext(ctx, code)
}

func errorPayload(err error) schema.ErrorPayload {
	message := err.Error()
	lines := strings.Split(strings.TrimRight(message, "\n"), "\n")
	name := "EvalError"
	switch {
	case errors.Is(err, schema.ErrStdinNotAllowed):
		name = "StdinNotAllowed"
	case strings.Contains(strings.ToLower(lines[0]), "panic"):
		name = "Panic"
	}
	return schema.ErrorPayload{EName: name, EValue: lines[0], Traceback: lines}
}

func displayValue(value reflect.Value) (string, bool) {
	if !value.IsValid() || !value.CanInterface() {
		return "", false
	}
	switch value.Kind() {
	case reflect.Func:
		return "", false
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan:
		if value.IsNil() {
			return "", false
		}
	}
	return fmt.Sprint(value.Interface()), true
}
