package orchestrator

import (
	"context"
	"fmt"

	"github.com/kestrelrun/nodeagent/pkg/types"
)

// handleStart marks the kernel's stats collection enabled. Idempotent: a
// second START for an already-running kernel just re-sets the same flag.
func (o *Orchestrator) handleStart(ctx context.Context, ev *types.ContainerLifecycleEvent) error {
	kernel := o.registry.Get(ev.KernelId)
	if kernel == nil {
		return fmt.Errorf("START for unknown kernel %s", ev.KernelId)
	}
	kernel.SetStatsEnabled(true)
	return nil
}

// handleDestroy tears a kernel down: a kernel with no registry entry and no
// known container-id is already gone (rescan and report); one with a known
// container-id but no registry entry hands off to CLEAN; otherwise the
// container comes down through the backend.
func (o *Orchestrator) handleDestroy(ctx context.Context, ev *types.ContainerLifecycleEvent) error {
	kernel := o.registry.Get(ev.KernelId)
	if kernel == nil {
		if ev.ContainerId == "" {
			o.rescanResources()
			o.producer.ProduceEvent("kernel_terminated", map[string]any{
				"kernel_id": string(ev.KernelId),
				"reason":    "already-terminated",
			})
			return nil
		}
		o.Enqueue(&types.ContainerLifecycleEvent{
			KernelId:    ev.KernelId,
			ContainerId: ev.ContainerId,
			Kind:        types.LifecycleClean,
			Reason:      ev.Reason,
		})
		return nil
	}

	kernel.SetStatsEnabled(false)
	kernel.SetTerminationReason(ev.Reason)
	if r := kernel.GetRunner(); r != nil {
		_ = r.Close()
	}
	if err := o.backend.DestroyKernel(ctx, ev.KernelId, kernel.ContainerId); err != nil {
		return err
	}

	// A destroyed container still needs its CLEAN pass. There is no
	// separate container-death watcher; the reconciler alone cannot drive
	// it because it deliberately ignores kernels under restart.
	o.Enqueue(&types.ContainerLifecycleEvent{
		KernelId:    ev.KernelId,
		ContainerId: kernel.ContainerId,
		Kind:        types.LifecycleClean,
		Reason:      ev.Reason,
	})
	return nil
}

// handleClean releases a kernel for good: ship logs, clean the container,
// then release ports and slots, fire clean-event, and remove the kernel
// from the registry. A restart in progress is notified via its
// destroy-complete one-shot instead of a kernel_terminated event.
func (o *Orchestrator) handleClean(ctx context.Context, ev *types.ContainerLifecycleEvent) error {
	kernel := o.registry.Get(ev.KernelId)
	containerID := ev.ContainerId
	if kernel != nil {
		containerID = kernel.ContainerId
		if r := kernel.GetRunner(); r != nil {
			_ = r.Close()
		}
	}

	tracker := o.GetRestartTracker(ev.KernelId)
	restarting := tracker != nil

	if containerID != "" {
		if it, err := o.backend.StreamLogs(ctx, containerID); err == nil && it != nil {
			o.logShipper.Ship(ctx, ev.KernelId, containerID, it)
		}
	}

	cleanErr := o.backend.CleanKernel(ctx, ev.KernelId, containerID, restarting)

	if kernel != nil {
		o.releaseKernelResources(kernel)
		kernel.CleanEvent.Fire(cleanErr)
		o.registry.Remove(ev.KernelId)
	}

	if restarting {
		tracker.DestroyComplete.Fire(cleanErr)
	} else {
		o.rescanResources()
		o.producer.ProduceEvent("kernel_terminated", map[string]any{
			"kernel_id": string(ev.KernelId),
			"reason":    ev.Reason,
		})
	}

	return cleanErr
}

// releaseKernelResources returns a cleaned kernel's host ports and device
// slot reservations, under the shared resource mutex.
func (o *Orchestrator) releaseKernelResources(kernel *types.Kernel) {
	o.resourceMu.Lock()
	defer o.resourceMu.Unlock()

	for _, port := range kernel.HostPorts {
		o.ports.Release(port)
	}
	if spec := kernel.Spec(); spec != nil {
		for deviceName := range spec.PerDeviceAlloc {
			if m := o.devices.Map(deviceName); m != nil {
				m.Release(string(kernel.KernelId))
			}
		}
	}
}
