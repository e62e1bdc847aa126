package gokernel

import (
	"sync"

	"pkt.systems/nbkernel/schema"
)

// streamWriter turns interpreter writes into stream outputs of the running
// execution.
type streamWriter struct {
	kernel *Kernel
	name   string

	mu  sync.Mutex
	buf []byte
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	w.mu.Unlock()
	w.flush()
	return len(p), nil
}

func (w *streamWriter) flush() {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}
	text := string(w.buf)
	w.buf = w.buf[:0]
	w.mu.Unlock()
	exec := w.kernel.running()
	if exec == nil {
		w.kernel.log.Debug("output without execution dropped", "stream", w.name, "bytes", len(text))
		return
	}
	if exec.req.Silent {
		return
	}
	w.kernel.send(exec.ctx, exec.msg, schema.ChannelIOPub, schema.MsgStream, schema.StreamContent{Name: w.name, Text: text})
}

func (k *Kernel) setCurrent(exec *execution) {
	k.mu.Lock()
	k.current = exec
	k.mu.Unlock()
}

func (k *Kernel) running() *execution {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

// cancelCurrent interrupts the running execution, reporting whether one was running.
func (k *Kernel) cancelCurrent() bool {
	exec := k.running()
	if exec == nil {
		return false
	}
	exec.cancel()
	return true
}

func (k *Kernel) deliverInput(value string) bool {
	exec := k.running()
	if exec == nil {
		return false
	}
	select {
	case exec.inputs <- value:
		return true
	default:
		return false
	}
}

func (k *Kernel) input(prompt string) string {
	return k.readInput(prompt, false)
}

func (k *Kernel) password(prompt string) string {
	return k.readInput(prompt, true)
}

// readInput sends an input request for the running execution and blocks
// until the client answers or the execution is interrupted.
func (k *Kernel) readInput(prompt string, password bool) string {
	exec := k.running()
	if exec == nil {
		return ""
	}
	if !exec.req.AllowStdin {
		exec.setInputErr(schema.ErrStdinNotAllowed)
		return ""
	}
	k.evalMu.Lock()
	eval := k.eval
	k.evalMu.Unlock()
	eval.stdout.flush()
	eval.stderr.flush()
	k.send(exec.ctx, exec.msg, schema.ChannelStdin, schema.MsgInputRequest, schema.InputRequest{Prompt: prompt, Password: password})
	select {
	case value := <-exec.inputs:
		return value
	case <-exec.ctx.Done():
		return ""
	}
}
