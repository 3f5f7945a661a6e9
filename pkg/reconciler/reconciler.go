// Package reconciler implements a ticker-driven pass that diffs the
// backend's live containers against the kernel registry and posts
// corrective lifecycle events to the orchestrator.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelrun/nodeagent/pkg/backend"
	"github.com/kestrelrun/nodeagent/pkg/log"
	"github.com/kestrelrun/nodeagent/pkg/metrics"
	"github.com/kestrelrun/nodeagent/pkg/registry"
	"github.com/kestrelrun/nodeagent/pkg/types"
)

// Enqueuer is the narrow surface the reconciler needs from the
// orchestrator. The reconciler never mutates the registry directly; every
// state change flows back through this queue, preserving the
// orchestrator's single-writer discipline.
type Enqueuer interface {
	Enqueue(ev *types.ContainerLifecycleEvent)
	GetRestartTracker(id types.KernelId) *types.RestartTracker
}

// Reconciler periodically diffs backend-observed containers against the
// registry.
type Reconciler struct {
	registry   *registry.Registry
	backend    backend.Driver
	orch       Enqueuer
	resourceMu *sync.Mutex
	interval   time.Duration

	logger zerolog.Logger
	mu     sync.RWMutex
	stopCh chan struct{}
}

// New constructs a reconciler ticking every interval (0 defaults to 10s).
func New(reg *registry.Registry, drv backend.Driver, orch Enqueuer, resourceMu *sync.Mutex, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reconciler{
		registry:   reg,
		backend:    drv,
		orch:       orch,
		resourceMu: resourceMu,
		interval:   interval,
		logger:     log.WithComponent("reconciler"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the reconciliation loop in its own goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// reconcile runs one pass under the shared resource mutex: kernels
// registered but not alive in the backend get a CLEAN (self-terminated);
// containers alive in the backend but unregistered get a DESTROY
// (terminated-unknown-container). Either way, a kernel currently being
// restarted is left alone.
func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.resourceMu.Lock()
	containers, err := r.backend.EnumerateContainers(context.Background(), []backend.ContainerStatus{
		backend.ContainerRunning, backend.ContainerExited,
	})
	kernels := r.registry.List()
	r.resourceMu.Unlock()

	if err != nil {
		r.logger.Error().Err(err).Msg("failed to enumerate backend containers")
		return
	}

	alive := make(map[types.KernelId]backend.EnumeratedContainer, len(containers))
	for _, c := range containers {
		if c.Status == backend.ContainerRunning {
			alive[c.KernelId] = c
		}
	}

	registered := make(map[types.KernelId]struct{}, len(kernels))
	for _, k := range kernels {
		registered[k.KernelId] = struct{}{}
		if r.orch.GetRestartTracker(k.KernelId) != nil {
			continue
		}
		if _, ok := alive[k.KernelId]; !ok {
			r.orch.Enqueue(&types.ContainerLifecycleEvent{
				KernelId:    k.KernelId,
				ContainerId: k.ContainerId,
				Kind:        types.LifecycleClean,
				Reason:      "self-terminated",
			})
		}
	}

	for kernelID, c := range alive {
		if _, ok := registered[kernelID]; ok {
			continue
		}
		if r.orch.GetRestartTracker(kernelID) != nil {
			continue
		}
		r.orch.Enqueue(&types.ContainerLifecycleEvent{
			KernelId:    kernelID,
			ContainerId: c.ContainerId,
			Kind:        types.LifecycleDestroy,
			Reason:      "terminated-unknown-container",
		})
	}
}
