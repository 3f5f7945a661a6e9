package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelrun/nodeagent/pkg/log"
	"github.com/kestrelrun/nodeagent/pkg/types"
)

// serviceStartTimeout bounds how long SendStartService waits for the
// runner's service-result. A var, not a const, so tests can shrink it
// instead of waiting out the real bound.
var serviceStartTimeout = 10 * time.Second

// visibleKinds is the set of record kinds get_next_result accumulates into
// a result's console output; everything else is a control record.
var visibleKinds = map[types.MsgKind]bool{
	types.MsgStdout:     true,
	types.MsgStderr:     true,
	types.MsgMedia:      true,
	types.MsgHTML:       true,
	types.MsgLog:        true,
	types.MsgCompletion: true,
}

// Runner is the agent side of the duplex frame channel with one kernel's
// in-container process: it owns the output-queue multiplexer, the
// incremental stdout/stderr decoders, and the execution watchdog.
type Runner struct {
	kernelID types.KernelId
	in       FrameConn
	out      FrameConn

	mux *Multiplexer

	stdoutDecoder *IncrementalUTF8Decoder
	stderrDecoder *IncrementalUTF8Decoder

	watchdogMu sync.Mutex
	watchdog   *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// NewRunner wires a kernel's input and output frame connections into a
// Runner. Callers must call Start to begin draining the output transport.
func NewRunner(kernelID types.KernelId, in, out FrameConn) *Runner {
	return &Runner{
		kernelID:      kernelID,
		in:            in,
		out:           out,
		mux:           NewMultiplexer(),
		stdoutDecoder: NewIncrementalUTF8Decoder(),
		stderrDecoder: NewIncrementalUTF8Decoder(),
		done:          make(chan struct{}),
	}
}

// Start launches the background goroutine draining the output transport.
// The transport is a single consumer, so records for a given run-id
// preserve the order the runner produced them in.
func (r *Runner) Start() {
	go r.readLoop()
}

func (r *Runner) readLoop() {
	logger := log.WithKernelID(string(r.kernelID))
	for {
		frame, err := r.out.Recv()
		if err != nil {
			logger.Debug().Err(err).Msg("runner output transport closed")
			return
		}
		r.handleFrame(frame)
	}
}

func (r *Runner) handleFrame(f Frame) {
	var payload []byte
	if len(f.Payloads) > 0 {
		payload = f.Payloads[0]
	}

	switch types.MsgKind(f.Tag) {
	case types.MsgStdout:
		if text := r.stdoutDecoder.Decode(payload, false); text != "" {
			r.mux.Dispatch(types.RunRecord{Kind: types.MsgStdout, Payload: []byte(text)})
		}
	case types.MsgStderr:
		if text := r.stderrDecoder.Decode(payload, false); text != "" {
			r.mux.Dispatch(types.RunRecord{Kind: types.MsgStderr, Payload: []byte(text)})
		}
	case types.MsgCompletion:
		r.mux.Completion.Push(types.RunRecord{Kind: types.MsgCompletion, Payload: payload})
	case types.MsgServiceResult:
		r.mux.Service.Push(types.RunRecord{Kind: types.MsgServiceResult, Payload: payload})
	case types.MsgFinished, types.MsgBuildFinished:
		r.flushDecoders()
		r.StopWatchdog()
		r.mux.Dispatch(types.RunRecord{Kind: types.MsgKind(f.Tag), Payload: payload})
	case types.MsgCleanFinished, types.MsgWaitingInput, types.MsgExecTimeout:
		r.mux.Dispatch(types.RunRecord{Kind: types.MsgKind(f.Tag), Payload: payload})
	case types.MsgMedia, types.MsgHTML, types.MsgLog:
		r.mux.Dispatch(types.RunRecord{Kind: types.MsgKind(f.Tag), Payload: payload})
	case types.MsgStatus:
		// Heartbeat-ish runner status frames; nothing to dispatch.
	}
}

// flushDecoders finalizes both incremental decoders, dispatching any text
// still held back by a split multi-byte sequence, then resets them for the
// next run.
func (r *Runner) flushDecoders() {
	if tail := r.stdoutDecoder.Decode(nil, true); tail != "" {
		r.mux.Dispatch(types.RunRecord{Kind: types.MsgStdout, Payload: []byte(tail)})
	}
	if tail := r.stderrDecoder.Decode(nil, true); tail != "" {
		r.mux.Dispatch(types.RunRecord{Kind: types.MsgStderr, Payload: []byte(tail)})
	}
	r.stdoutDecoder = NewIncrementalUTF8Decoder()
	r.stderrDecoder = NewIncrementalUTF8Decoder()
}

// AttachOutputQueue attaches (or reuses) the output queue for runID,
// returning the record channel and a channel that closes once this run
// becomes active.
func (r *Runner) AttachOutputQueue(runID string) (<-chan types.RunRecord, <-chan struct{}) {
	return r.mux.Attach(runID)
}

// StartWatchdog schedules a synthetic exec-timeout record into the active
// run's queue after timeout elapses.
func (r *Runner) StartWatchdog(timeout time.Duration) {
	r.watchdogMu.Lock()
	defer r.watchdogMu.Unlock()
	if r.watchdog != nil {
		r.watchdog.Stop()
	}
	r.watchdog = time.AfterFunc(timeout, func() {
		r.mux.Dispatch(types.RunRecord{Kind: types.MsgExecTimeout})
	})
}

// StopWatchdog cancels any pending watchdog timer.
func (r *Runner) StopWatchdog() {
	r.watchdogMu.Lock()
	defer r.watchdogMu.Unlock()
	if r.watchdog != nil {
		r.watchdog.Stop()
		r.watchdog = nil
	}
}

// GetNextResult drains ch, the queue attached for runID, aggregating
// visible records per apiVersion until a terminal control record arrives,
// or (only if continuation is advertised) flushTimeout elapses with
// status=continued. Cancelling via ctx reactivates the queue on the way
// out so another waiter may consume it.
func (r *Runner) GetNextResult(ctx context.Context, ch <-chan types.RunRecord, runID string, apiVersion int, flushTimeout time.Duration, continuation bool) *types.RunResult {
	result := &types.RunResult{RunId: runID}
	var visible []types.RunRecord

	var timeoutC <-chan time.Time
	if continuation {
		timer := time.NewTimer(flushTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			r.mux.ReactivateAtHead()
			aggregateConsole(result, visible, apiVersion)
			result.Status = types.StatusContinued
			return result

		case rec := <-ch:
			switch rec.Kind {
			case types.MsgFinished:
				aggregateConsole(result, visible, apiVersion)
				result.Status = types.StatusFinished
				result.ExitCode = parseExitCode(rec.Payload)
				r.mux.NextQueue()
				return result

			case types.MsgBuildFinished:
				aggregateConsole(result, visible, apiVersion)
				result.Status = types.StatusBuildFinished
				r.mux.ReactivateAtHead()
				return result

			case types.MsgCleanFinished:
				aggregateConsole(result, visible, apiVersion)
				result.Status = types.StatusCleanFinished
				r.mux.ReactivateAtHead()
				return result

			case types.MsgWaitingInput:
				aggregateConsole(result, visible, apiVersion)
				result.Status = types.StatusWaitingInput
				result.Options = parseOptions(rec.Payload)
				r.mux.ReactivateAtHead()
				return result

			case types.MsgExecTimeout:
				aggregateConsole(result, visible, apiVersion)
				result.Status = types.StatusExecTimeout
				r.mux.NextQueue()
				return result

			default:
				if visibleKinds[rec.Kind] {
					visible = append(visible, rec)
				}
			}

		case <-timeoutC:
			aggregateConsole(result, visible, apiVersion)
			result.Status = types.StatusContinued
			r.mux.ReactivateAtHead()
			return result
		}
	}
}

func parseExitCode(payload []byte) *int {
	var body struct {
		ExitCode *int `json:"exitCode"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil
	}
	return body.ExitCode
}

func parseOptions(payload []byte) map[string]any {
	var opts map[string]any
	if err := json.Unmarshal(payload, &opts); err != nil {
		return nil
	}
	return opts
}

// --- Input-side sends ---

// NewRunID generates a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

func (r *Runner) send(tag types.MsgKind, payload []byte) error {
	return r.in.Send(Frame{Tag: string(tag), Payloads: [][]byte{payload}})
}

// SendClean requests the runner tear down any in-progress build/run state.
func (r *Runner) SendClean() error {
	return r.in.Send(Frame{Tag: "clean"})
}

// SendBuild submits a build step for code.
func (r *Runner) SendBuild(code string, options map[string]any) error {
	return r.sendCodeLike("build", code, options)
}

// SendExec submits an execution step for code.
func (r *Runner) SendExec(code string, options map[string]any) error {
	return r.sendCodeLike("exec", code, options)
}

// SendCode submits a plain code execution (no build step).
func (r *Runner) SendCode(code string, options map[string]any) error {
	return r.sendCodeLike("code", code, options)
}

func (r *Runner) sendCodeLike(tag, code string, options map[string]any) error {
	body := map[string]any{"code": code}
	for k, v := range options {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", tag, err)
	}
	return r.in.Send(Frame{Tag: tag, Payloads: [][]byte{payload}})
}

// SendInput delivers a line of stdin to a kernel waiting on input.
func (r *Runner) SendInput(text string) error {
	return r.send("input", []byte(text))
}

// SendInterrupt requests the runner interrupt the active execution.
func (r *Runner) SendInterrupt() error {
	return r.in.Send(Frame{Tag: "interrupt"})
}

// SendComplete requests completion candidates for code at the given
// cursor, then blocks (bounded by ctx) for the completion side channel.
func (r *Runner) SendComplete(ctx context.Context, code string, options map[string]any) (json.RawMessage, error) {
	if err := r.sendCodeLike("complete", code, options); err != nil {
		return nil, err
	}
	select {
	case rec := <-r.mux.Completion.C():
		return json.RawMessage(rec.Payload), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendStartService asks the runner to start a service process described by
// descriptor. On timeout it returns a {status: failed, error: timeout}
// payload rather than an error, so the manager sees a soft failure.
func (r *Runner) SendStartService(descriptor json.RawMessage) (json.RawMessage, error) {
	if err := r.in.Send(Frame{Tag: "start-service", Payloads: [][]byte{descriptor}}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(serviceStartTimeout)
	defer timer.Stop()

	select {
	case rec := <-r.mux.Service.C():
		return json.RawMessage(rec.Payload), nil
	case <-timer.C:
		return json.RawMessage(`{"status":"failed","error":"timeout"}`), nil
	}
}

// SendShutdownService asks the runner to stop the named service process.
// Fire-and-forget: the runner reports the outcome on the service-result
// side channel only if the manager asked for confirmation.
func (r *Runner) SendShutdownService(name string) error {
	payload, err := json.Marshal(map[string]any{"name": name})
	if err != nil {
		return fmt.Errorf("marshal shutdown-service payload: %w", err)
	}
	return r.in.Send(Frame{Tag: "shutdown-service", Payloads: [][]byte{payload}})
}

// Close tears down both transports. Safe to call more than once.
func (r *Runner) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.StopWatchdog()
		close(r.done)
		if e := r.in.Close(); e != nil {
			err = e
		}
		if e := r.out.Close(); e != nil && err == nil {
			err = e
		}
	})
	return err
}
