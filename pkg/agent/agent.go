// Package agent wires the compute-device registry, allocation maps, port
// pool, kernel registry, creation pipeline, lifecycle orchestrator,
// reconciler, restart coordinator, event producer/log shipper and timer set
// into one Agent type.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrelrun/nodeagent/pkg/backend"
	"github.com/kestrelrun/nodeagent/pkg/bus"
	"github.com/kestrelrun/nodeagent/pkg/config"
	"github.com/kestrelrun/nodeagent/pkg/creation"
	"github.com/kestrelrun/nodeagent/pkg/devices"
	"github.com/kestrelrun/nodeagent/pkg/events"
	"github.com/kestrelrun/nodeagent/pkg/log"
	"github.com/kestrelrun/nodeagent/pkg/orchestrator"
	"github.com/kestrelrun/nodeagent/pkg/ports"
	"github.com/kestrelrun/nodeagent/pkg/reconciler"
	"github.com/kestrelrun/nodeagent/pkg/registry"
	"github.com/kestrelrun/nodeagent/pkg/restart"
	"github.com/kestrelrun/nodeagent/pkg/timers"
	"github.com/kestrelrun/nodeagent/pkg/types"
)

// Version is the agent build version reported in instance_heartbeat.
// Overridden at link time in release builds.
var Version = "dev"

// Agent owns the node's kernel-hosting machinery end to end and exposes
// the operations a manager-facing RPC transport would front.
type Agent struct {
	cfg *config.Config

	registry *registry.Registry
	backend  backend.Driver
	devices  *devices.Registry
	ports    *ports.Pool

	bus        bus.Bus
	producer   *events.Producer
	logShipper *events.LogShipper

	resourceMu *sync.Mutex
	orch       *orchestrator.Orchestrator
	pipeline   *creation.Pipeline
	reconciler *reconciler.Reconciler
	restart    *restart.Coordinator
	timers     *timers.Set

	wg sync.WaitGroup
}

// New constructs an Agent from cfg, connecting to containerd and opening
// the bbolt-backed registry at cfg.DataDir, but does not yet start any
// background loop. Call Start for that.
func New(cfg *config.Config) (*Agent, error) {
	reg, err := registry.Open(cfg.DataDir, cfg.Agent.ID)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	drv, err := backend.NewContainerdDriver(cfg.Container.ContainerdSocket)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("connect backend driver: %w", err)
	}

	devReg := devices.NewRegistry()
	if err := devReg.Register("local", devices.NewLocalPlugin(cfg.Container.CPUCores, cfg.Container.MemoryMiB)); err != nil {
		reg.Close()
		return nil, fmt.Errorf("register local compute-device plugin: %w", err)
	}

	pool, err := ports.NewPool(cfg.Container.PortRange.Low, cfg.Container.PortRange.High)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("build port pool: %w", err)
	}

	b := bus.NewInMemoryBus()
	producer := events.NewProducer(b, cfg.Agent.ID, cfg.Debug.LogHeartbeats)
	logShipper := events.NewLogShipper(b, producer, cfg.Container.LogChunkSize)

	resourceMu := &sync.Mutex{}

	orch := orchestrator.New(orchestrator.Config{
		Registry:   reg,
		Backend:    drv,
		Devices:    devReg,
		Ports:      pool,
		Producer:   producer,
		LogShipper: logShipper,
		ResourceMu: resourceMu,
	})

	pipeline := &creation.Pipeline{
		Devices:    devReg,
		Ports:      pool,
		Registry:   reg,
		Backend:    drv,
		Config:     cfg,
		Producer:   producer,
		ResourceMu: resourceMu,
		KernelHost: cfg.Agent.RPCListenAddr,
	}

	recon := reconciler.New(reg, drv, orch, resourceMu, cfg.Timers.ReconcileInterval())
	restartCoord := restart.New(orch, reg, pipeline)

	imageCache := &timers.ImageCache{}
	heartbeatTask := timers.NewHeartbeatTask(cfg, devReg, producer, imageCache, Version)
	heartbeatTask.Interval = cfg.Timers.HeartbeatInterval()
	statsTask := timers.NewStatsTask(reg, devReg, pool, drv, producer)
	statsTask.Interval = cfg.Timers.StatsInterval()
	imageScanTask := timers.NewImageScanTask(drv, imageCache)
	imageScanTask.Interval = cfg.Timers.ImageScanInterval()

	timerSet := timers.New([]timers.Task{heartbeatTask, statsTask, imageScanTask})

	return &Agent{
		cfg:        cfg,
		registry:   reg,
		backend:    drv,
		devices:    devReg,
		ports:      pool,
		bus:        b,
		producer:   producer,
		logShipper: logShipper,
		resourceMu: resourceMu,
		orch:       orch,
		pipeline:   pipeline,
		reconciler: recon,
		restart:    restartCoord,
		timers:     timerSet,
	}, nil
}

// restoreFromSnapshot repopulates the registry from the previous process's
// persisted snapshot, then rebuilds device/port bookkeeping to match.
func (a *Agent) restoreFromSnapshot() error {
	snapshots, err := a.registry.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("load registry snapshot: %w", err)
	}
	for _, snap := range snapshots {
		a.registry.Put(snap.ToKernel())
	}
	a.orch.RescanResources()
	return nil
}

// Start restores any persisted kernel registry, then launches the
// orchestrator consumer, reconciler, and timer set. It returns once the
// orchestrator loop is running; all loops stop on ctx cancellation or Stop.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.restoreFromSnapshot(); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.orch.Run(ctx)
	}()

	// Restored kernels get a START so stats collection resumes; any that
	// died while the agent was down are cleaned by the reconciler's first
	// pass.
	for _, k := range a.registry.List() {
		a.orch.Enqueue(&types.ContainerLifecycleEvent{
			KernelId:    k.KernelId,
			ContainerId: k.ContainerId,
			Kind:        types.LifecycleStart,
		})
	}

	a.reconciler.Start()
	a.timers.Start(ctx)

	agentLog := log.WithComponent("agent")
	agentLog.Info().Str("agent_id", a.cfg.Agent.ID).Msg("agent started")
	a.producer.ProduceEvent("instance_started", map[string]any{"agent_id": a.cfg.Agent.ID})
	return nil
}

// Stop drains the orchestrator (persisting a final registry snapshot),
// stops the reconciler and timer set, and closes the backend/registry.
func (a *Agent) Stop() error {
	a.producer.ProduceEvent("instance_terminated", map[string]any{"agent_id": a.cfg.Agent.ID})

	a.timers.Stop()
	a.reconciler.Stop()
	a.orch.Shutdown()
	a.wg.Wait()

	if closer, ok := a.backend.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	return a.registry.Close()
}

// CreateKernel runs the creation pipeline for req, then enqueues the START
// lifecycle event so the new kernel begins stats collection.
func (a *Agent) CreateKernel(ctx context.Context, req creation.CreateRequest) (*creation.CreationResult, error) {
	if err := restart.AwaitIfRestarting(ctx, a.orch, req.KernelId); err != nil {
		return nil, fmt.Errorf("create kernel %s: %w", req.KernelId, err)
	}

	result, err := a.pipeline.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	a.orch.Enqueue(&types.ContainerLifecycleEvent{
		KernelId:    result.KernelId,
		ContainerId: result.ContainerId,
		Kind:        types.LifecycleStart,
	})
	return result, nil
}

// DestroyKernel posts a DESTROY lifecycle event for kernelID and waits for
// the DESTROY handler to finish; the CLEAN it enqueues runs afterwards and
// is not waited for.
func (a *Agent) DestroyKernel(ctx context.Context, kernelID types.KernelId, reason string) error {
	kernel := a.registry.Get(kernelID)
	var containerID types.ContainerId
	if kernel != nil {
		containerID = kernel.ContainerId
	}

	done := types.NewOneShot()
	a.orch.Enqueue(&types.ContainerLifecycleEvent{
		KernelId:    kernelID,
		ContainerId: containerID,
		Kind:        types.LifecycleDestroy,
		Reason:      reason,
		Done:        done,
	})

	if res, ok := done.Wait(ctx.Done()); ok {
		if err, ok := res.(error); ok && err != nil {
			return err
		}
		return nil
	}
	return ctx.Err()
}

// RestartKernel destroys and recreates kernelID's container, merging patch
// over its persisted creation request.
func (a *Agent) RestartKernel(ctx context.Context, kernelID types.KernelId, patch []byte) (*creation.CreationResult, error) {
	kernel := a.registry.Get(kernelID)
	if kernel == nil {
		return nil, fmt.Errorf("restart kernel %s: not found", kernelID)
	}
	return a.restart.Restart(ctx, kernelID, kernel.ContainerId, patch)
}

// Registry exposes the kernel registry for read-only inspection (e.g. a
// status RPC), never for mutation: the orchestrator is the only writer.
func (a *Agent) Registry() *registry.Registry { return a.registry }
