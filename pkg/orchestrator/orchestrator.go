// Package orchestrator implements the kernel lifecycle orchestrator: a
// single-writer consumer of an unbounded FIFO of container lifecycle
// events. It is the only component allowed to mutate the kernel registry
// once a kernel exists.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kestrelrun/nodeagent/pkg/backend"
	"github.com/kestrelrun/nodeagent/pkg/devices"
	"github.com/kestrelrun/nodeagent/pkg/events"
	"github.com/kestrelrun/nodeagent/pkg/log"
	"github.com/kestrelrun/nodeagent/pkg/metrics"
	"github.com/kestrelrun/nodeagent/pkg/ports"
	"github.com/kestrelrun/nodeagent/pkg/registry"
	"github.com/kestrelrun/nodeagent/pkg/types"
)

// ErrorMonitor receives handler failures for out-of-band reporting; a
// no-op implementation is fine when nothing downstream consumes it.
type ErrorMonitor interface {
	ReportHandlerError(kernelID types.KernelId, kind types.LifecycleEventKind, err error)
}

// NopErrorMonitor drops every report.
type NopErrorMonitor struct{}

func (NopErrorMonitor) ReportHandlerError(types.KernelId, types.LifecycleEventKind, error) {}

// Orchestrator owns the lifecycle event queue and the kernel registry's
// single writer goroutine.
type Orchestrator struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*types.ContainerLifecycleEvent
	closed bool

	registry   *registry.Registry
	backend    backend.Driver
	devices    *devices.Registry
	ports      *ports.Pool
	producer   *events.Producer
	logShipper *events.LogShipper
	monitor    ErrorMonitor
	resourceMu *sync.Mutex

	restartMu       sync.Mutex
	restartTrackers map[types.KernelId]*types.RestartTracker

	wg sync.WaitGroup
}

// Config bundles the orchestrator's collaborators.
type Config struct {
	Registry   *registry.Registry
	Backend    backend.Driver
	Devices    *devices.Registry
	Ports      *ports.Pool
	Producer   *events.Producer
	LogShipper *events.LogShipper
	Monitor    ErrorMonitor
	ResourceMu *sync.Mutex
}

// New constructs an orchestrator. Call Run in its own goroutine to start
// draining the queue.
func New(cfg Config) *Orchestrator {
	if cfg.Monitor == nil {
		cfg.Monitor = NopErrorMonitor{}
	}
	o := &Orchestrator{
		registry:        cfg.Registry,
		backend:         cfg.Backend,
		devices:         cfg.Devices,
		ports:           cfg.Ports,
		producer:        cfg.Producer,
		logShipper:      cfg.LogShipper,
		monitor:         cfg.Monitor,
		resourceMu:      cfg.ResourceMu,
		restartTrackers: make(map[types.KernelId]*types.RestartTracker),
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Enqueue posts an event to the back of the FIFO. Safe for concurrent
// callers (the reconciler, the RPC surface, and handlers enqueuing
// follow-up events all call this).
func (o *Orchestrator) Enqueue(ev *types.ContainerLifecycleEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.queue = append(o.queue, ev)
	metrics.LifecycleQueueDepth.Set(float64(len(o.queue)))
	o.cond.Signal()
}

// Shutdown posts the sentinel shutdown event and blocks until Run has
// drained the queue and persisted the registry snapshot.
func (o *Orchestrator) Shutdown() {
	done := types.NewOneShot()
	o.Enqueue(&types.ContainerLifecycleEvent{Kind: types.LifecycleShutdown, Done: done})
	done.Wait(make(chan struct{}))
}

// SetRestartTracker records that a restart is in progress for id. The
// reconciler consults this to skip kernels mid-restart, and the CLEAN
// handler to fire the tracker's DestroyComplete instead of emitting
// kernel_terminated.
func (o *Orchestrator) SetRestartTracker(id types.KernelId, tr *types.RestartTracker) {
	o.restartMu.Lock()
	defer o.restartMu.Unlock()
	o.restartTrackers[id] = tr
}

// GetRestartTracker returns the tracker for id, or nil.
func (o *Orchestrator) GetRestartTracker(id types.KernelId) *types.RestartTracker {
	o.restartMu.Lock()
	defer o.restartMu.Unlock()
	return o.restartTrackers[id]
}

// ClearRestartTracker removes the tracker for id.
func (o *Orchestrator) ClearRestartTracker(id types.KernelId) {
	o.restartMu.Lock()
	defer o.restartMu.Unlock()
	delete(o.restartTrackers, id)
}

// Run drains the queue until Shutdown is posted and processed. It never
// blocks on a handler: each dispatched event runs in its own goroutine,
// tracked by o.wg so Run can wait for in-flight handlers to finish before
// returning on shutdown.
func (o *Orchestrator) Run(ctx context.Context) {
	logger := log.WithComponent("orchestrator")
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.queue) == 0 && o.closed {
			o.mu.Unlock()
			o.wg.Wait()
			return
		}
		ev := o.queue[0]
		o.queue = o.queue[1:]
		metrics.LifecycleQueueDepth.Set(float64(len(o.queue)))
		o.mu.Unlock()

		if ev.Kind == types.LifecycleShutdown {
			o.handleShutdown(logger)
			if ev.Done != nil {
				ev.Done.Fire(nil)
			}
			continue
		}

		o.wg.Add(1)
		go o.dispatch(ctx, logger, ev)
	}
}

// dispatch runs one handler to completion, recovering a panic as a failed
// handler rather than taking down the consumer, and always firing ev.Done.
func (o *Orchestrator) dispatch(ctx context.Context, logger zerolog.Logger, ev *types.ContainerLifecycleEvent) {
	defer o.wg.Done()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			logger.Error().Err(err).Str("kernel_id", string(ev.KernelId)).Str("kind", string(ev.Kind)).Msg("lifecycle handler failed")
			o.monitor.ReportHandlerError(ev.KernelId, ev.Kind, err)
		}
		if ev.Done != nil {
			ev.Done.Fire(err)
		}
	}()

	switch ev.Kind {
	case types.LifecycleStart:
		err = o.handleStart(ctx, ev)
	case types.LifecycleDestroy:
		err = o.handleDestroy(ctx, ev)
	case types.LifecycleClean:
		err = o.handleClean(ctx, ev)
	default:
		err = fmt.Errorf("unknown lifecycle event kind %q", ev.Kind)
	}
}

// handleShutdown persists the registry snapshot and marks the queue closed
// so Run exits once any already-dispatched handlers finish.
func (o *Orchestrator) handleShutdown(logger zerolog.Logger) {
	if err := o.registry.PersistSnapshot(); err != nil {
		logger.Warn().Err(err).Msg("failed to persist registry snapshot on shutdown")
	}
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}

// RescanResources exposes rescanResources for callers restoring a registry
// snapshot at startup, before Run begins draining events.
func (o *Orchestrator) RescanResources() {
	o.rescanResources()
}

// rescanResources rebuilds device and port bookkeeping from the registry's
// current kernel set, used after an ambiguous DESTROY/CLEAN to bring
// allocation state back in sync with reality.
func (o *Orchestrator) rescanResources() {
	o.resourceMu.Lock()
	defer o.resourceMu.Unlock()

	o.devices.ClearAll()
	for _, k := range o.registry.List() {
		spec := k.Spec()
		if spec == nil {
			continue
		}
		for deviceName, perDevice := range spec.PerDeviceAlloc {
			m := o.devices.Map(deviceName)
			if m == nil {
				continue
			}
			for devID, slots := range perDevice {
				m.RestoreFromContainer(string(k.KernelId), devID, slots)
			}
		}
		for _, port := range k.HostPorts {
			o.ports.MarkUsed(port)
		}
	}
}
