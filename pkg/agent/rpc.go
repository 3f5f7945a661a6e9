package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kestrelrun/nodeagent/pkg/restart"
	"github.com/kestrelrun/nodeagent/pkg/runner"
	"github.com/kestrelrun/nodeagent/pkg/types"
)

// Operations in this file back the manager-facing RPC surface: execute,
// get_completions, get_logs, interrupt_kernel, start_service,
// shutdown_service, accept_file, download_file, list_files. The wire
// transport fronting them is an out-of-scope collaborator; these methods
// are what it calls into.

// ExecuteMode selects what an Execute call sends to the runner before
// draining the next result batch.
type ExecuteMode string

const (
	// ExecuteQuery submits code for interactive (REPL) execution.
	ExecuteQuery ExecuteMode = "query"
	// ExecuteBatch submits a build-then-run batch step.
	ExecuteBatch ExecuteMode = "batch"
	// ExecuteInput feeds a line of stdin to a kernel in waiting-input state.
	ExecuteInput ExecuteMode = "input"
	// ExecuteContinue sends nothing; it resumes draining a run that last
	// returned status=continued.
	ExecuteContinue ExecuteMode = "continue"
)

// ExecuteRequest is one execute RPC: a run-id scoped piece of work plus the
// result-shaping options of the calling API version.
type ExecuteRequest struct {
	KernelId types.KernelId
	RunId    string
	Mode     ExecuteMode
	Code     string
	Options  map[string]any

	APIVersion   int
	FlushTimeout time.Duration
	Continuation bool
	ExecTimeout  time.Duration // watchdog bound; zero disables the watchdog
}

// runnerFor resolves kernelID to its attached runner. A missing kernel
// always gets a DESTROY injected with reason self-terminated, and the
// caller receives a retryable error rather than a partial recovery
// attempt.
func (a *Agent) runnerFor(kernelID types.KernelId) (*runner.Runner, error) {
	kernel := a.registry.Get(kernelID)
	if kernel == nil {
		a.orch.Enqueue(&types.ContainerLifecycleEvent{
			KernelId: kernelID,
			Kind:     types.LifecycleDestroy,
			Reason:   "self-terminated",
		})
		return nil, fmt.Errorf("kernel %s not found, retry after cleanup", kernelID)
	}
	r, ok := kernel.GetRunner().(*runner.Runner)
	if !ok || r == nil {
		return nil, fmt.Errorf("kernel %s has no runner attached", kernelID)
	}
	return r, nil
}

// Execute runs one turn of the runner protocol for req.RunId: attach (or
// reuse) the run's output queue, wait for it to become active, send the
// requested work, then drain the next result batch. A watchdog posts a
// synthetic exec-timeout if req.ExecTimeout elapses first; that outcome
// also injects a DESTROY(exec-timeout) for the kernel.
func (a *Agent) Execute(ctx context.Context, req ExecuteRequest) (*types.RunResult, error) {
	if err := restart.AwaitIfRestarting(ctx, a.orch, req.KernelId); err != nil {
		return nil, fmt.Errorf("execute on kernel %s: %w", req.KernelId, err)
	}

	r, err := a.runnerFor(req.KernelId)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	ch, active := r.AttachOutputQueue(req.RunId)
	select {
	case <-active:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	switch req.Mode {
	case ExecuteQuery:
		err = r.SendCode(req.Code, req.Options)
	case ExecuteBatch:
		err = r.SendExec(req.Code, req.Options)
	case ExecuteInput:
		err = r.SendInput(req.Code)
	case ExecuteContinue:
		// Resume draining; nothing to send.
	default:
		return nil, fmt.Errorf("execute: unknown mode %q", req.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("execute on kernel %s: send: %w", req.KernelId, err)
	}

	if req.Mode != ExecuteContinue && req.ExecTimeout > 0 {
		r.StartWatchdog(req.ExecTimeout)
	}

	result := r.GetNextResult(ctx, ch, req.RunId, req.APIVersion, req.FlushTimeout, req.Continuation)
	if result.Status == types.StatusExecTimeout {
		a.orch.Enqueue(&types.ContainerLifecycleEvent{
			KernelId: req.KernelId,
			Kind:     types.LifecycleDestroy,
			Reason:   "exec-timeout",
		})
	}
	return result, nil
}

// BatchRunID is the reserved run-id for background batch jobs.
const BatchRunID = "batch-job"

// ExecuteBatchJob drives a batch session's startup command to completion in
// the background, emitting session_success or session_failure once the run
// reaches a terminal status. Continuation turns reuse the reserved batch
// run-id so the same output queue stays attached across the whole job.
func (a *Agent) ExecuteBatchJob(ctx context.Context, kernelID types.KernelId, startupCommand string, execTimeout time.Duration) {
	req := ExecuteRequest{
		KernelId:     kernelID,
		RunId:        BatchRunID,
		Mode:         ExecuteBatch,
		Code:         "",
		Options:      map[string]any{"exec": startupCommand},
		APIVersion:   3,
		FlushTimeout: time.Second,
		Continuation: true,
		ExecTimeout:  execTimeout,
	}

	for {
		result, err := a.Execute(ctx, req)
		if err != nil {
			return
		}

		switch result.Status {
		case types.StatusFinished:
			exitCode := 0
			if result.ExitCode != nil {
				exitCode = *result.ExitCode
			}
			if exitCode == 0 {
				a.producer.ProduceEvent("session_success", map[string]any{
					"kernel_id": string(kernelID),
					"exit_code": 0,
					"reason":    "task-done",
				})
			} else {
				a.producer.ProduceEvent("session_failure", map[string]any{
					"kernel_id": string(kernelID),
					"exit_code": exitCode,
					"reason":    "task-failed",
				})
			}
			return
		case types.StatusExecTimeout:
			a.producer.ProduceEvent("session_failure", map[string]any{
				"kernel_id": string(kernelID),
				"exit_code": -2,
				"reason":    "task-timeout",
			})
			return
		case types.StatusWaitingInput:
			// Batch jobs have no interactive stdin; treat as a failure.
			a.producer.ProduceEvent("session_failure", map[string]any{
				"kernel_id": string(kernelID),
				"exit_code": -1,
				"reason":    "task-failed",
			})
			return
		}

		req.Mode = ExecuteContinue
		req.Options = nil
	}
}

// GetCompletions asks the kernel's runner for completion candidates at the
// cursor described in opts.
func (a *Agent) GetCompletions(ctx context.Context, kernelID types.KernelId, code string, opts map[string]any) (json.RawMessage, error) {
	r, err := a.runnerFor(kernelID)
	if err != nil {
		return nil, fmt.Errorf("get completions: %w", err)
	}
	return r.SendComplete(ctx, code, opts)
}

// InterruptKernel asks the runner to interrupt the active execution.
func (a *Agent) InterruptKernel(kernelID types.KernelId) error {
	r, err := a.runnerFor(kernelID)
	if err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	return r.SendInterrupt()
}

// StartService asks the runner to start the in-container app described by
// descriptor, bounded by the runner's service-start timeout.
func (a *Agent) StartService(kernelID types.KernelId, descriptor json.RawMessage) (json.RawMessage, error) {
	r, err := a.runnerFor(kernelID)
	if err != nil {
		return nil, fmt.Errorf("start service: %w", err)
	}
	return r.SendStartService(descriptor)
}

// ShutdownService asks the runner to stop the named service process.
func (a *Agent) ShutdownService(kernelID types.KernelId, name string) error {
	r, err := a.runnerFor(kernelID)
	if err != nil {
		return fmt.Errorf("shutdown service: %w", err)
	}
	return r.SendShutdownService(name)
}

// GetLogs drains the kernel container's log stream and returns it whole.
// Unlike the CLEAN-time log shipper, this reads a live container on demand.
func (a *Agent) GetLogs(ctx context.Context, kernelID types.KernelId) ([]byte, error) {
	kernel := a.registry.Get(kernelID)
	if kernel == nil {
		return nil, fmt.Errorf("get logs: kernel %s not found", kernelID)
	}
	it, err := a.backend.StreamLogs(ctx, kernel.ContainerId)
	if err != nil {
		return nil, fmt.Errorf("get logs for kernel %s: %w", kernelID, err)
	}
	if it == nil {
		return nil, nil
	}
	defer it.Close()

	var out []byte
	for {
		frag, err := it.Next(ctx)
		out = append(out, frag...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("get logs for kernel %s: %w", kernelID, err)
		}
	}
}

// workDir resolves the host path of a kernel's /home/work bind source: the
// scratch work directory the creation pipeline mounts at stage 6.
func (a *Agent) workDir(kernelID types.KernelId) string {
	return filepath.Join(a.cfg.DataDir, "scratch", string(kernelID), "work")
}

// workPath joins relPath under the kernel's work directory, rejecting any
// path that would escape it.
func (a *Agent) workPath(kernelID types.KernelId, relPath string) (string, error) {
	base := a.workDir(kernelID)
	p := filepath.Join(base, relPath)
	if p != base && !strings.HasPrefix(p, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the kernel work directory", relPath)
	}
	return p, nil
}

// AcceptFile writes an uploaded file into the kernel's work directory,
// visible inside the container under /home/work.
func (a *Agent) AcceptFile(kernelID types.KernelId, filename string, data []byte) error {
	if a.registry.Get(kernelID) == nil {
		return fmt.Errorf("accept file: kernel %s not found", kernelID)
	}
	p, err := a.workPath(kernelID, filename)
	if err != nil {
		return fmt.Errorf("accept file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("accept file: %w", err)
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		return fmt.Errorf("accept file: %w", err)
	}
	return nil
}

// DownloadFile reads a file from the kernel's work directory.
func (a *Agent) DownloadFile(kernelID types.KernelId, filename string) ([]byte, error) {
	if a.registry.Get(kernelID) == nil {
		return nil, fmt.Errorf("download file: kernel %s not found", kernelID)
	}
	p, err := a.workPath(kernelID, filename)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	return data, nil
}

// FileEntry is one entry of a ListFiles result.
type FileEntry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	Mode  string `json:"mode"`
	IsDir bool   `json:"is_dir"`
}

// ListFiles lists the entries of a directory under the kernel's work
// directory ("" or "." for the work directory itself).
func (a *Agent) ListFiles(kernelID types.KernelId, relPath string) ([]FileEntry, error) {
	if a.registry.Get(kernelID) == nil {
		return nil, fmt.Errorf("list files: kernel %s not found", kernelID)
	}
	p, err := a.workPath(kernelID, relPath)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileEntry{
			Name:  e.Name(),
			Size:  info.Size(),
			Mode:  info.Mode().String(),
			IsDir: e.IsDir(),
		})
	}
	return out, nil
}
