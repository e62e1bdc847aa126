package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/nbkernel/schema"
)

func TestSubmitDeliversOutputThenReply(t *testing.T) {
	conn, kernel := newTestConnection(t, Options{})
	kernel.count = 4
	rec := newRecorder()

	future, err := conn.Submit(context.Background(), schema.ExecuteRequest{
		Code:         "1+1",
		StoreHistory: true,
		StopOnError:  true,
	}, rec.handlers())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	req := kernel.next()
	if req.Header.MsgType != schema.MsgExecuteRequest || req.Header.MsgID != future.ID() {
		t.Fatalf("unexpected request header: %+v", req.Header)
	}
	kernel.emit(req, schema.ChannelIOPub, schema.MsgDisplayData, schema.DisplayDataContent{
		Data: map[string]string{schema.MimeTextPlain: "2"},
	})
	kernel.reply(req, schema.ReplyOK)

	events := rec.wait(t)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %+v", events)
	}
	if events[0].Type != EventOutput || events[0].Output.Kind != schema.OutputDisplayData || events[0].Output.PlainText() != "2" {
		t.Fatalf("unexpected output: %+v", events[0])
	}
	if events[1].Type != EventReply || events[1].Reply.Status != schema.ReplyOK || events[1].Reply.ExecutionCount != 5 {
		t.Fatalf("unexpected reply: %+v", events[1])
	}
	reply, err := future.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if reply.ExecutionCount != 5 || reply.Err() != nil {
		t.Fatalf("unexpected waited reply: %+v", reply)
	}
	if conn.ExecutionCount() != 5 {
		t.Fatalf("expected mirrored count 5, got %d", conn.ExecutionCount())
	}
}

func TestSubmitRejectsEmptyCode(t *testing.T) {
	conn, kernel := newTestConnection(t, Options{})
	rec := newRecorder()
	for _, code := range []string{"", "   ", "\n\t"} {
		future, err := conn.Submit(context.Background(), schema.ExecuteRequest{Code: code}, rec.handlers())
		if !errors.Is(err, schema.ErrEmptyCode) {
			t.Fatalf("code %q: expected ErrEmptyCode, got %v", code, err)
		}
		if future != nil {
			t.Fatalf("code %q: expected no future", code)
		}
	}
	select {
	case msg := <-kernel.tr.toKernel:
		t.Fatalf("nothing should be sent, got %+v", msg.Header)
	case <-time.After(20 * time.Millisecond):
	}
	if events := rec.snapshot(); len(events) != 0 {
		t.Fatalf("expected no notifications, got %+v", events)
	}
}

func TestSubmitOnDeadKernelFails(t *testing.T) {
	conn, kernel := newTestConnection(t, Options{})
	kernel.tr.hangUp()
	waitFor(t, "dead status", func() bool { return conn.Status() == schema.KernelDead })

	rec := newRecorder()
	future, err := conn.Submit(context.Background(), schema.DefaultExecuteRequest("1+1"), rec.handlers())
	if !errors.Is(err, schema.ErrKernelUnavailable) {
		t.Fatalf("expected ErrKernelUnavailable, got %v", err)
	}
	if future != nil {
		t.Fatal("expected no future")
	}
	time.Sleep(20 * time.Millisecond)
	if events := rec.snapshot(); len(events) != 0 {
		t.Fatalf("expected no notifications, got %+v", events)
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	conn, _ := newTestConnection(t, Options{})
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := conn.Submit(context.Background(), schema.DefaultExecuteRequest("1"), Handlers{}); !errors.Is(err, schema.ErrKernelUnavailable) {
		t.Fatalf("expected ErrKernelUnavailable, got %v", err)
	}
	if _, err := conn.KernelInfo(context.Background()); !errors.Is(err, schema.ErrKernelUnavailable) {
		t.Fatalf("expected ErrKernelUnavailable from KernelInfo, got %v", err)
	}
}

func TestConnectionLostAbortsPending(t *testing.T) {
	conn, kernel := newTestConnection(t, Options{})
	rec := newRecorder()
	if _, err := conn.Submit(context.Background(), schema.DefaultExecuteRequest("loop()"), rec.handlers()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	req := kernel.next()
	kernel.emit(req, schema.ChannelIOPub, schema.MsgStream, schema.StreamContent{Name: "stdout", Text: "tick\n"})
	kernel.tr.hangUp()

	rec.wait(t)
	time.Sleep(20 * time.Millisecond)
	events := rec.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected output then reply, got %+v", events)
	}
	if events[1].Type != EventReply || events[1].Reply.Status != schema.ReplyAborted {
		t.Fatalf("expected aborted reply, got %+v", events[1])
	}
	if !errors.Is(events[1].Reply.Err(), schema.ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", events[1].Reply.Err())
	}
}

func TestCloseAbortsPending(t *testing.T) {
	conn, kernel := newTestConnection(t, Options{})
	rec := newRecorder()
	future, err := conn.Submit(context.Background(), schema.DefaultExecuteRequest("x"), rec.handlers())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_ = kernel.next()
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	events := rec.wait(t)
	if len(events) != 1 || events[0].Reply.Status != schema.ReplyAborted {
		t.Fatalf("expected single aborted reply, got %+v", events)
	}
	select {
	case <-future.Done():
	case <-time.After(time.Second):
		t.Fatal("future not done")
	}
}

func TestExecutionCountIncreasesByOne(t *testing.T) {
	conn, kernel := newTestConnection(t, Options{})
	var counts []int
	for i := 0; i < 3; i++ {
		rec := newRecorder()
		if _, err := conn.Submit(context.Background(), schema.DefaultExecuteRequest("x"), rec.handlers()); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		kernel.reply(kernel.next(), schema.ReplyOK)
		events := rec.wait(t)
		counts = append(counts, events[len(events)-1].Reply.ExecutionCount)
	}
	for i := 1; i < len(counts); i++ {
		if counts[i] != counts[i-1]+1 {
			t.Fatalf("expected consecutive counts, got %v", counts)
		}
	}
	if counts[0] != 1 {
		t.Fatalf("expected first count 1, got %v", counts)
	}
}

func TestErrorReplyCarriesPayload(t *testing.T) {
	conn, kernel := newTestConnection(t, Options{})
	rec := newRecorder()
	if _, err := conn.Submit(context.Background(), schema.DefaultExecuteRequest("fail()"), rec.handlers()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	req := kernel.next()
	kernel.emit(req, schema.ChannelIOPub, schema.MsgError, schema.ErrorPayload{EName: "RuntimeError", EValue: "boom"})
	kernel.reply(req, schema.ReplyError)

	events := rec.wait(t)
	if events[0].Output.Kind != schema.OutputError || events[0].Output.PlainText() != "RuntimeError: boom" {
		t.Fatalf("unexpected error output: %+v", events[0])
	}
	var execErr *schema.ExecutionError
	if !errors.As(events[1].Reply.Err(), &execErr) || execErr.Payload.EName != "RuntimeError" {
		t.Fatalf("expected ExecutionError, got %v", events[1].Reply.Err())
	}
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	conn, kernel := newTestConnection(t, Options{})
	first := newRecorder()
	handlers := first.handlers()
	handlers.OnOutput = func(schema.Output) { panic("handler bug") }
	if _, err := conn.Submit(context.Background(), schema.DefaultExecuteRequest("a"), handlers); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second := newRecorder()
	if _, err := conn.Submit(context.Background(), schema.DefaultExecuteRequest("b"), second.handlers()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	reqA := kernel.next()
	reqB := kernel.next()
	kernel.emit(reqA, schema.ChannelIOPub, schema.MsgStream, schema.StreamContent{Name: "stdout", Text: "a"})
	kernel.reply(reqA, schema.ReplyOK)
	kernel.emit(reqB, schema.ChannelIOPub, schema.MsgStream, schema.StreamContent{Name: "stdout", Text: "b"})
	kernel.reply(reqB, schema.ReplyOK)

	if events := first.wait(t); events[len(events)-1].Reply.Status != schema.ReplyOK {
		t.Fatalf("first future missing reply: %+v", events)
	}
	events := second.wait(t)
	if len(events) != 2 || events[0].Output.Text != "b" {
		t.Fatalf("second future events: %+v", events)
	}
}

func TestCancelSuppressesDelivery(t *testing.T) {
	conn, kernel := newTestConnection(t, Options{})
	rec := newRecorder()
	future, err := conn.Submit(context.Background(), schema.DefaultExecuteRequest("x"), rec.handlers())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	req := kernel.next()
	future.Cancel()
	kernel.emit(req, schema.ChannelIOPub, schema.MsgStream, schema.StreamContent{Name: "stdout", Text: "late"})
	kernel.reply(req, schema.ReplyOK)

	if _, err := future.Wait(context.Background()); !errors.Is(err, schema.ErrFutureCancelled) {
		t.Fatalf("expected ErrFutureCancelled, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if events := rec.snapshot(); len(events) != 0 {
		t.Fatalf("expected no notifications after cancel, got %+v", events)
	}
	if conn.ExecutionCount() != 1 {
		t.Fatalf("expected count to follow the kernel, got %d", conn.ExecutionCount())
	}
}

func TestInputRequestRoundTrip(t *testing.T) {
	conn, kernel := newTestConnection(t, Options{})
	rec := newRecorder()
	inputs := make(chan schema.InputRequest, 1)
	handlers := rec.handlers()
	handlers.OnInput = func(in schema.InputRequest) {
		rec.add(Event{Type: EventInput, Input: in})
		inputs <- in
	}
	req := schema.DefaultExecuteRequest(`name := kernel.Input("name? ")`)
	req.AllowStdin = true
	future, err := conn.Submit(context.Background(), req, handlers)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := future.SendInput(context.Background(), "early"); !errors.Is(err, schema.ErrNoInputPending) {
		t.Fatalf("expected ErrNoInputPending, got %v", err)
	}
	execReq := kernel.next()
	kernel.emit(execReq, schema.ChannelStdin, schema.MsgInputRequest, schema.InputRequest{Prompt: "name? "})

	select {
	case in := <-inputs:
		if in.Prompt != "name? " {
			t.Fatalf("unexpected prompt %q", in.Prompt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("input request not delivered")
	}
	if err := future.SendInput(context.Background(), "ada"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	inputReply := kernel.next()
	if inputReply.Header.MsgType != schema.MsgInputReply || inputReply.Channel != schema.ChannelStdin {
		t.Fatalf("unexpected input reply: %+v", inputReply.Header)
	}
	var value schema.InputReply
	if err := inputReply.DecodeContent(&value); err != nil {
		t.Fatalf("decode input reply: %v", err)
	}
	if value.Value != "ada" {
		t.Fatalf("unexpected input value %q", value.Value)
	}
	kernel.emit(execReq, schema.ChannelIOPub, schema.MsgStream, schema.StreamContent{Name: "stdout", Text: "hello ada\n"})
	kernel.reply(execReq, schema.ReplyOK)

	events := rec.wait(t)
	want := []EventType{EventInput, EventOutput, EventReply}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %+v", want, events)
	}
	for i, event := range events {
		if event.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], event.Type)
		}
	}
}

func TestOutputsAfterReplyAreDropped(t *testing.T) {
	conn, kernel := newTestConnection(t, Options{})
	rec := newRecorder()
	if _, err := conn.Submit(context.Background(), schema.DefaultExecuteRequest("x"), rec.handlers()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	req := kernel.next()
	kernel.status(req, schema.KernelBusy)
	kernel.reply(req, schema.ReplyOK)
	kernel.emit(req, schema.ChannelIOPub, schema.MsgStream, schema.StreamContent{Name: "stdout", Text: "late"})
	kernel.status(req, schema.KernelIdle)
	rec.wait(t)
	waitFor(t, "idle status", func() bool { return conn.Status() == schema.KernelIdle })

	events := rec.snapshot()
	if len(events) != 1 || events[0].Type != EventReply {
		t.Fatalf("expected only the reply, got %+v", events)
	}
}

func TestRequestStatusIsNotAnOutput(t *testing.T) {
	conn, kernel := newTestConnection(t, Options{})
	rec := newRecorder()
	if _, err := conn.Submit(context.Background(), schema.DefaultExecuteRequest("1+1"), rec.handlers()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	req := kernel.next()
	kernel.status(req, schema.KernelBusy)
	waitFor(t, "busy status", func() bool { return conn.Status() == schema.KernelBusy })
	kernel.emit(req, schema.ChannelIOPub, schema.MsgExecuteResult, schema.DisplayDataContent{
		ExecutionCount: 1,
		Data:           map[string]string{schema.MimeTextPlain: "2"},
	})
	kernel.reply(req, schema.ReplyOK)

	events := rec.wait(t)
	if len(events) != 2 {
		t.Fatalf("expected result then reply, got %+v", events)
	}
	if events[0].Output.Kind != schema.OutputExecuteResult || events[1].Type != EventReply {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestWaitPrefersDeliveredReplyOverCancel(t *testing.T) {
	conn, kernel := newTestConnection(t, Options{})
	future, err := conn.Submit(context.Background(), schema.DefaultExecuteRequest("x"), Handlers{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	kernel.reply(kernel.next(), schema.ReplyOK)
	select {
	case <-future.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reply never delivered")
	}
	future.Cancel()
	for i := 0; i < 50; i++ {
		reply, err := future.Wait(context.Background())
		if err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
		if reply.Status != schema.ReplyOK {
			t.Fatalf("unexpected reply %+v", reply)
		}
	}
}

func TestEventsReplaysInOrder(t *testing.T) {
	conn, kernel := newTestConnection(t, Options{})
	future, err := conn.Submit(context.Background(), schema.DefaultExecuteRequest("x"), Handlers{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	req := kernel.next()
	kernel.emit(req, schema.ChannelIOPub, schema.MsgStream, schema.StreamContent{Name: "stdout", Text: "1"})
	kernel.emit(req, schema.ChannelIOPub, schema.MsgStream, schema.StreamContent{Name: "stderr", Text: "2"})
	kernel.reply(req, schema.ReplyOK)
	if _, err := future.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []Event
	for event := range future.Events(ctx) {
		got = append(got, event)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %+v", got)
	}
	if got[0].Output.Text != "1" || got[1].Output.Name != "stderr" || got[2].Type != EventReply {
		t.Fatalf("events out of order: %+v", got)
	}
}

func TestKernelInfoInterruptShutdown(t *testing.T) {
	conn, kernel := newTestConnection(t, Options{})
	done := make(chan struct{})
	var infoErr error
	var info schema.KernelInfo
	go func() {
		defer close(done)
		info, infoErr = conn.KernelInfo(context.Background())
	}()
	req := kernel.next()
	if req.Header.MsgType != schema.MsgKernelInfoRequest {
		t.Fatalf("unexpected request %s", req.Header.MsgType)
	}
	kernel.emit(req, schema.ChannelShell, schema.MsgKernelInfoReply, schema.KernelInfo{
		Status:         schema.ReplyOK,
		Implementation: "scripted",
		LanguageInfo:   schema.LanguageInfo{Name: "go"},
	})
	<-done
	if infoErr != nil {
		t.Fatalf("KernelInfo: %v", infoErr)
	}
	if info.Implementation != "scripted" || info.LanguageInfo.Name != "go" {
		t.Fatalf("unexpected info %+v", info)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Interrupt(context.Background()) }()
	req = kernel.next()
	if req.Channel != schema.ChannelControl || req.Header.MsgType != schema.MsgInterruptRequest {
		t.Fatalf("unexpected interrupt request %+v", req.Header)
	}
	kernel.emit(req, schema.ChannelControl, schema.MsgInterruptReply, schema.ControlReply{Status: schema.ReplyOK})
	if err := <-errCh; err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	go func() { errCh <- conn.Shutdown(context.Background(), false) }()
	req = kernel.next()
	kernel.emit(req, schema.ChannelControl, schema.MsgShutdownReply, schema.ControlReply{Status: schema.ReplyError})
	if err := <-errCh; err == nil {
		t.Fatal("expected shutdown error for non-ok reply")
	}
}

type statusRecorder struct {
	mu     sync.Mutex
	events []schema.StatusEvent
}

func (s *statusRecorder) OnStatus(event schema.StatusEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *statusRecorder) snapshot() []schema.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.StatusEvent(nil), s.events...)
}

func TestStatusSinkObservesTransitions(t *testing.T) {
	sink := &statusRecorder{}
	conn, kernel := newTestConnection(t, Options{KernelID: "k1", StatusSink: sink})
	kernel.status(schema.Message{}, schema.KernelStarting)
	kernel.status(schema.Message{}, schema.KernelIdle)
	kernel.status(schema.Message{}, schema.KernelIdle)
	kernel.tr.hangUp()
	waitFor(t, "dead status", func() bool { return conn.Status() == schema.KernelDead })

	events := sink.snapshot()
	want := []schema.KernelStatus{schema.KernelStarting, schema.KernelIdle, schema.KernelDead}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %+v", want, events)
	}
	for i, event := range events {
		if event.Status != want[i] || event.KernelID != "k1" {
			t.Fatalf("event %d: %+v", i, event)
		}
	}
	if events[0].Previous != schema.KernelUnknown {
		t.Fatalf("expected first transition from unknown, got %s", events[0].Previous)
	}
}
