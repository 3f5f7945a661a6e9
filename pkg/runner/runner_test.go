package runner

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelrun/nodeagent/pkg/types"
)

// fakeFrameConn is an in-memory FrameConn double: Send appends to sent,
// Recv drains a channel the test feeds, blocking while it is empty, and
// returns io.EOF once the channel is closed.
type fakeFrameConn struct {
	mu     sync.Mutex
	sent   []Frame
	toRecv chan Frame
	closed bool
}

func newFakeFrameConn() *fakeFrameConn {
	return &fakeFrameConn{toRecv: make(chan Frame, 64)}
}

func (f *fakeFrameConn) Send(fr Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeFrameConn) Recv() (Frame, error) {
	fr, ok := <-f.toRecv
	if !ok {
		return Frame{}, io.EOF
	}
	return fr, nil
}

func (f *fakeFrameConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.toRecv)
	}
	return nil
}

func (f *fakeFrameConn) feed(fr Frame) {
	f.toRecv <- fr
}

func (f *fakeFrameConn) Sent() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestRunner(t *testing.T) (*Runner, *fakeFrameConn, *fakeFrameConn) {
	t.Helper()
	in := newFakeFrameConn()
	out := newFakeFrameConn()
	r := NewRunner("k1", in, out)
	r.Start()
	t.Cleanup(func() { r.Close() })
	return r, in, out
}

func TestRunner_SendExecWritesExecFrame(t *testing.T) {
	r, in, _ := newTestRunner(t)

	require.NoError(t, r.SendExec("print(1)", map[string]any{"mode": "query"}))

	sent := in.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "exec", sent[0].Tag)

	var body map[string]any
	require.NoError(t, json.Unmarshal(sent[0].Payloads[0], &body))
	assert.Equal(t, "print(1)", body["code"])
	assert.Equal(t, "query", body["mode"])
}

func TestRunner_SendCleanAndInterruptWriteBareTags(t *testing.T) {
	r, in, _ := newTestRunner(t)

	require.NoError(t, r.SendClean())
	require.NoError(t, r.SendInterrupt())

	sent := in.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "clean", sent[0].Tag)
	assert.Equal(t, "interrupt", sent[1].Tag)
}

func TestRunner_StdoutDispatchedToActiveRunQueue(t *testing.T) {
	r, _, out := newTestRunner(t)

	ch, waiter := r.AttachOutputQueue("run-1")
	<-waiter

	out.feed(Frame{Tag: string(types.MsgStdout), Payloads: [][]byte{[]byte("hello\n")}})

	select {
	case rec := <-ch:
		assert.Equal(t, types.MsgStdout, rec.Kind)
		assert.Equal(t, "hello\n", string(rec.Payload))
	case <-time.After(time.Second):
		t.Fatal("expected stdout record on the attached queue")
	}
}

func TestRunner_CompletionAndServiceResultGoToSideChannels(t *testing.T) {
	r, _, out := newTestRunner(t)

	out.feed(Frame{Tag: string(types.MsgCompletion), Payloads: [][]byte{[]byte(`{"candidates":[]}`)}})
	out.feed(Frame{Tag: string(types.MsgServiceResult), Payloads: [][]byte{[]byte(`{"status":"started"}`)}})

	select {
	case rec := <-r.mux.Completion.C():
		assert.JSONEq(t, `{"candidates":[]}`, string(rec.Payload))
	case <-time.After(time.Second):
		t.Fatal("expected completion record")
	}
	select {
	case rec := <-r.mux.Service.C():
		assert.JSONEq(t, `{"status":"started"}`, string(rec.Payload))
	case <-time.After(time.Second):
		t.Fatal("expected service-result record")
	}
}

func TestRunner_GetNextResultAggregatesUntilFinished(t *testing.T) {
	r, _, out := newTestRunner(t)
	ch, waiter := r.AttachOutputQueue("run-1")
	<-waiter

	out.feed(Frame{Tag: string(types.MsgStdout), Payloads: [][]byte{[]byte("a")}})
	out.feed(Frame{Tag: string(types.MsgStdout), Payloads: [][]byte{[]byte("b")}})
	out.feed(Frame{Tag: string(types.MsgFinished), Payloads: [][]byte{[]byte(`{"exitCode":0}`)}})

	result := r.GetNextResult(context.Background(), ch, "run-1", 2, time.Second, false)

	require.Equal(t, types.StatusFinished, result.Status)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)
	require.Len(t, result.Console, 1)
	assert.Equal(t, "ab", result.Console[0].Payload)
}

func TestRunner_GetNextResultWaitingInputReturnsOptions(t *testing.T) {
	r, _, out := newTestRunner(t)
	ch, waiter := r.AttachOutputQueue("run-1")
	<-waiter

	out.feed(Frame{Tag: string(types.MsgWaitingInput), Payloads: [][]byte{[]byte(`{"prompt":">>> "}`)}})

	result := r.GetNextResult(context.Background(), ch, "run-1", 2, time.Second, false)

	assert.Equal(t, types.StatusWaitingInput, result.Status)
	assert.Equal(t, ">>> ", result.Options["prompt"])
}

func TestRunner_GetNextResultContinuationFlushesOnTimeout(t *testing.T) {
	r, _, _ := newTestRunner(t)
	ch, waiter := r.AttachOutputQueue("run-1")
	<-waiter

	result := r.GetNextResult(context.Background(), ch, "run-1", 2, 20*time.Millisecond, true)
	assert.Equal(t, types.StatusContinued, result.Status)
}

func TestRunner_GetNextResultCancelReactivatesQueue(t *testing.T) {
	r, _, _ := newTestRunner(t)
	ch, waiter := r.AttachOutputQueue("run-1")
	<-waiter

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := r.GetNextResult(ctx, ch, "run-1", 2, time.Second, false)
	assert.Equal(t, types.StatusContinued, result.Status)
}

func TestRunner_StartWatchdogDispatchesExecTimeout(t *testing.T) {
	r, _, _ := newTestRunner(t)
	ch, waiter := r.AttachOutputQueue("run-1")
	<-waiter

	r.StartWatchdog(10 * time.Millisecond)

	select {
	case rec := <-ch:
		assert.Equal(t, types.MsgExecTimeout, rec.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected watchdog to dispatch an exec-timeout record")
	}
}

func TestRunner_StopWatchdogCancelsPendingTimer(t *testing.T) {
	r, _, _ := newTestRunner(t)
	ch, waiter := r.AttachOutputQueue("run-1")
	<-waiter

	r.StartWatchdog(20 * time.Millisecond)
	r.StopWatchdog()

	select {
	case rec := <-ch:
		t.Fatalf("did not expect a record after StopWatchdog, got %+v", rec)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunner_SendStartServiceReturnsFailureOnTimeout(t *testing.T) {
	r, _, _ := newTestRunner(t)

	start := time.Now()
	original := serviceStartTimeout
	serviceStartTimeout = 20 * time.Millisecond
	defer func() { serviceStartTimeout = original }()

	resp, err := r.SendStartService(json.RawMessage(`{"name":"jupyter"}`))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var body map[string]any
	require.NoError(t, json.Unmarshal(resp, &body))
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "timeout", body["error"])
}

func TestRunner_SendStartServiceReturnsServiceResult(t *testing.T) {
	r, _, out := newTestRunner(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		out.feed(Frame{Tag: string(types.MsgServiceResult), Payloads: [][]byte{[]byte(`{"status":"started"}`)}})
	}()

	resp, err := r.SendStartService(json.RawMessage(`{"name":"jupyter"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"started"}`, string(resp))
}

func TestRunner_CloseIsIdempotent(t *testing.T) {
	r, _, _ := newTestRunner(t)
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}
