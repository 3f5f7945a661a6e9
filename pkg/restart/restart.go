// Package restart implements the restart coordinator: destroy a kernel's
// container and recreate it under a per-kernel lock, with a bound on how
// long the destroy half may take.
package restart

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelrun/nodeagent/pkg/creation"
	"github.com/kestrelrun/nodeagent/pkg/log"
	"github.com/kestrelrun/nodeagent/pkg/registry"
	"github.com/kestrelrun/nodeagent/pkg/types"
)

// destroyBound is how long the coordinator waits on destroy-complete
// before giving up and injecting a CLEAN instead.
const destroyBound = 60 * time.Second

// Orchestrator is the narrow surface the restart coordinator needs from
// pkg/orchestrator: posting lifecycle events and publishing the in-flight
// tracker so the reconciler and execute can observe it.
type Orchestrator interface {
	Enqueue(ev *types.ContainerLifecycleEvent)
	SetRestartTracker(id types.KernelId, tr *types.RestartTracker)
	GetRestartTracker(id types.KernelId) *types.RestartTracker
	ClearRestartTracker(id types.KernelId)
}

// Coordinator runs restart(kernel-id, patch) calls. A sync.Mutex per
// kernel-id (independent of the RestartTracker's own one-shots) serializes
// concurrent restart calls on the same kernel.
type Coordinator struct {
	orch     Orchestrator
	registry *registry.Registry
	pipeline *creation.Pipeline

	mu    sync.Mutex
	locks map[types.KernelId]*sync.Mutex
}

// New constructs a restart coordinator.
func New(orch Orchestrator, reg *registry.Registry, pipeline *creation.Pipeline) *Coordinator {
	return &Coordinator{
		orch:     orch,
		registry: reg,
		pipeline: pipeline,
		locks:    make(map[types.KernelId]*sync.Mutex),
	}
}

func (c *Coordinator) requestLock(id types.KernelId) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

// Restart destroys kernelID's current container and recreates it, merging
// patch (a JSON object of fields to override) over the persisted creation
// request. containerID is the kernel's current container, used to target
// the DESTROY/CLEAN events this injects.
//
// On success it returns the new CreationResult. On a destroy timeout it
// drops the tracker, injects a CLEAN(restart-timeout), and returns a
// timeout error; on any other failure during recreation it returns that
// error. Either way the tracker is cleared before Restart returns, so
// execute() and the reconciler stop ignoring the kernel.
func (c *Coordinator) Restart(ctx context.Context, kernelID types.KernelId, containerID types.ContainerId, patch json.RawMessage) (*creation.CreationResult, error) {
	logger := log.WithKernelID(string(kernelID))

	lock := c.requestLock(kernelID)
	lock.Lock()
	defer lock.Unlock()

	tracker := types.NewRestartTracker()
	c.orch.SetRestartTracker(kernelID, tracker)

	req, err := c.loadPatchedRequest(kernelID, patch)
	if err != nil {
		c.orch.ClearRestartTracker(kernelID)
		return nil, fmt.Errorf("restart %s: load persisted config: %w", kernelID, err)
	}

	c.orch.Enqueue(&types.ContainerLifecycleEvent{
		KernelId:    kernelID,
		ContainerId: containerID,
		Kind:        types.LifecycleDestroy,
		Reason:      "restarting",
	})

	timeout := make(chan struct{})
	timer := time.AfterFunc(destroyBound, func() { close(timeout) })
	defer timer.Stop()
	if _, ok := tracker.DestroyComplete.Wait(timeout); !ok {
		c.orch.ClearRestartTracker(kernelID)
		c.orch.Enqueue(&types.ContainerLifecycleEvent{
			KernelId:    kernelID,
			ContainerId: containerID,
			Kind:        types.LifecycleClean,
			Reason:      "restart-timeout",
		})
		err := fmt.Errorf("restart %s: destroy did not complete within %s", kernelID, destroyBound)
		tracker.Done.Fire(err)
		logger.Warn().Msg("restart destroy timed out, forcing clean")
		return nil, err
	}

	req.Restarting = true
	result, createErr := c.pipeline.Create(ctx, *req)
	c.orch.ClearRestartTracker(kernelID)
	if createErr != nil {
		wrapped := fmt.Errorf("restart %s: recreate: %w", kernelID, createErr)
		tracker.Done.Fire(wrapped)
		return nil, wrapped
	}
	tracker.Done.Fire(result)
	return result, nil
}

// loadPatchedRequest reloads the persisted creation request and cluster
// info for kernelID and applies patch (a JSON object) on top: fields
// present in patch overwrite the persisted value, everything else is
// carried over unchanged.
func (c *Coordinator) loadPatchedRequest(kernelID types.KernelId, patch json.RawMessage) (*creation.CreateRequest, error) {
	data, err := c.registry.LoadCreateRequest(kernelID)
	if err != nil {
		return nil, err
	}
	var req creation.CreateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unmarshal persisted create request: %w", err)
	}

	if clusterJSON, err := c.registry.LoadClusterInfo(kernelID); err == nil {
		var cluster creation.ClusterInfo
		if err := json.Unmarshal(clusterJSON, &cluster); err == nil {
			req.Cluster = cluster
		}
	}

	if len(patch) > 0 {
		if err := json.Unmarshal(patch, &req); err != nil {
			return nil, fmt.Errorf("apply restart patch: %w", err)
		}
	}
	return &req, nil
}

// AwaitIfRestarting blocks until any in-flight restart of kernelID
// completes, returning immediately if none is running. Callers on the
// execute path use this so a run never races the kernel's recreation.
func AwaitIfRestarting(ctx context.Context, orch Orchestrator, kernelID types.KernelId) error {
	tracker := orch.GetRestartTracker(kernelID)
	if tracker == nil {
		return nil
	}
	if _, ok := tracker.Done.Wait(ctx.Done()); !ok {
		return ctx.Err()
	}
	return nil
}
