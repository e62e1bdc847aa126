package cell

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/nbkernel/core"
	"pkt.systems/nbkernel/internal/gokernel"
	"pkt.systems/nbkernel/internal/wire"
	"pkt.systems/nbkernel/schema"
)

type countingSubmitter struct {
	calls int
}

func (s *countingSubmitter) Submit(context.Context, schema.ExecuteRequest, core.Handlers) (*core.Future, error) {
	s.calls++
	return nil, schema.ErrKernelUnavailable
}

func startKernel(t *testing.T) *core.Connection {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	client, server := wire.Pipe(ctx)
	k := gokernel.New(gokernel.Config{KernelID: "cell-test"})
	done := make(chan error, 1)
	go func() { done <- k.Serve(ctx, server) }()
	conn, err := core.Connect(ctx, client, core.Options{KernelID: "cell-test"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Errorf("kernel did not stop")
		}
		_ = server.Close()
	})
	return conn
}

func waitReply(t *testing.T, future *core.Future) schema.ExecuteReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := future.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return reply
}

func TestEmptyCodeIsNoOp(t *testing.T) {
	sub := &countingSubmitter{}
	for _, code := range []string{"", "   ", "\n\t"} {
		c := New(code)
		future, err := c.Execute(context.Background(), sub, true)
		if err != nil || future != nil {
			t.Fatalf("expected no-op for %q, got future=%v err=%v", code, future, err)
		}
		if !c.Skipped() {
			t.Fatalf("expected Skipped for %q", code)
		}
		if c.Prompt() != "In [ ]:" {
			t.Fatalf("expected cleared prompt, got %q", c.Prompt())
		}
	}
	if sub.calls != 0 {
		t.Fatalf("expected no submissions, got %d", sub.calls)
	}
}

func TestSubmitErrorClearsRunning(t *testing.T) {
	c := New("1+1")
	_, err := c.Execute(context.Background(), &countingSubmitter{}, true)
	if !errors.Is(err, schema.ErrKernelUnavailable) {
		t.Fatalf("expected ErrKernelUnavailable, got %v", err)
	}
	if c.Running() || c.Prompt() != "In [ ]:" {
		t.Fatalf("expected idle prompt, got %q", c.Prompt())
	}
}

func TestExecuteCollectsOutputsAndPrompt(t *testing.T) {
	conn := startKernel(t)
	c := New("1+1")
	future, err := c.Execute(context.Background(), conn, true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if future == nil {
		t.Fatalf("expected a future")
	}
	reply := waitReply(t, future)
	if reply.Status != schema.ReplyOK || reply.ExecutionCount != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if got := c.Prompt(); got != "In [1]:" {
		t.Fatalf("unexpected prompt %q", got)
	}
	if got := c.Text(); got != "2" {
		t.Fatalf("unexpected output text %q", got)
	}
	if _, ok := c.Reply(); !ok {
		t.Fatalf("expected stored reply")
	}

	c.Code = "2*3"
	future, err = c.Execute(context.Background(), conn, true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	waitReply(t, future)
	if got := c.Prompt(); got != "In [2]:" {
		t.Fatalf("unexpected prompt %q", got)
	}
	outs := c.Outputs()
	if len(outs) != 1 || outs[0].PlainText() != "6" {
		t.Fatalf("expected outputs to be reset, got %+v", outs)
	}
}

func TestExecuteErrorKeepsCount(t *testing.T) {
	conn := startKernel(t)
	c := New("undefinedName + 1")
	future, err := c.Execute(context.Background(), conn, true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	reply := waitReply(t, future)
	if reply.Status != schema.ReplyError {
		t.Fatalf("expected error reply, got %+v", reply)
	}
	var execErr *schema.ExecutionError
	if !errors.As(reply.Err(), &execErr) {
		t.Fatalf("expected ExecutionError, got %v", reply.Err())
	}
	outs := c.Outputs()
	if len(outs) == 0 || outs[len(outs)-1].Kind != schema.OutputError {
		t.Fatalf("expected error output, got %+v", outs)
	}
}

func TestInputThroughEvents(t *testing.T) {
	conn := startKernel(t)
	for _, code := range []string{`import "fmt"`, `import "kernel"`} {
		future, err := New(code).Execute(context.Background(), conn, true)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		waitReply(t, future)
	}

	c := New(`fmt.Print("hi " + kernel.Input("who? "))`)
	c.AllowStdin = true
	future, err := c.Execute(context.Background(), conn, true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for ev := range future.Events(ctx) {
		if ev.Type == core.EventInput {
			if ev.Input.Prompt != "who? " {
				t.Fatalf("unexpected prompt %q", ev.Input.Prompt)
			}
			if err := future.SendInput(ctx, "grace"); err != nil {
				t.Fatalf("SendInput: %v", err)
			}
		}
	}
	reply := waitReply(t, future)
	if reply.Status != schema.ReplyOK {
		t.Fatalf("unexpected reply %+v", reply)
	}
	var stdout string
	for _, out := range c.Outputs() {
		if out.Kind == schema.OutputStream {
			stdout += out.Text
		}
	}
	if stdout != "hi grace" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
}

func TestSilentCellHasNoOutputs(t *testing.T) {
	conn := startKernel(t)
	c := &Cell{Code: "1+1", Silent: true}
	future, err := c.Execute(context.Background(), conn, true)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if reply := waitReply(t, future); reply.Status != schema.ReplyOK {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if outs := c.Outputs(); len(outs) != 0 {
		t.Fatalf("expected no outputs for a silent cell, got %+v", outs)
	}
	if got := future.Request(); got.StoreHistory != true || !got.Silent {
		t.Fatalf("unexpected request flags %+v", got)
	}
}

func TestPromptLinesAddsContinuations(t *testing.T) {
	c := New("x := 20\ny := 22\nx + y")
	got := c.PromptLines()
	want := []string{"In [ ]:", "...:", "...:"}
	if len(got) != len(want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if lines := New("1+1").PromptLines(); len(lines) != 1 || lines[0] != "In [ ]:" {
		t.Fatalf("unexpected single-line prompt %q", lines)
	}
	if got := NumberedPrompt(7); got != "In [7]:" {
		t.Fatalf("unexpected numbered prompt %q", got)
	}
}
