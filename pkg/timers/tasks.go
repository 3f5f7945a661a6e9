package timers

import (
	"context"
	"sync"

	"github.com/kestrelrun/nodeagent/pkg/backend"
	"github.com/kestrelrun/nodeagent/pkg/config"
	"github.com/kestrelrun/nodeagent/pkg/devices"
	"github.com/kestrelrun/nodeagent/pkg/events"
	"github.com/kestrelrun/nodeagent/pkg/metrics"
	"github.com/kestrelrun/nodeagent/pkg/ports"
	"github.com/kestrelrun/nodeagent/pkg/registry"
)

// ImageCache holds the most recent image-scan result so the heartbeat task
// can fold a [repoTag, digest] list into instance_heartbeat without itself
// hitting the backend on every tick.
type ImageCache struct {
	mu     sync.RWMutex
	images []backend.ImageRef
}

func (c *ImageCache) set(images []backend.ImageRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images = images
}

// Snapshot returns the cached image list as compressed [repoTag, digest]
// pairs.
func (c *ImageCache) Snapshot() [][2]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][2]string, 0, len(c.images))
	for _, img := range c.images {
		out = append(out, [2]string{img.RepoTag, img.Digest})
	}
	return out
}

// NewImageScanTask polls the backend for locally present images and stores
// them in cache for the next heartbeat. Interval is set by the caller when
// assembling the Set.
func NewImageScanTask(drv backend.Driver, cache *ImageCache) Task {
	return Task{
		Name: "image-scan",
		Run: func(ctx context.Context) error {
			images, err := drv.ListImages(ctx)
			if err != nil {
				return err
			}
			cache.set(images)
			return nil
		},
	}
}

func resourceSlotTotals(devReg *devices.Registry) map[string]float64 {
	totals := make(map[string]float64)
	for _, name := range devReg.Names() {
		m := devReg.Map(name)
		if m == nil {
			continue
		}
		for slot, amt := range m.AvailableTotals() {
			totals[slot] += amt
		}
	}
	return totals
}

func computePluginMetadata(devReg *devices.Registry) map[string]any {
	out := make(map[string]any, len(devReg.Names()))
	for _, name := range devReg.Names() {
		p := devReg.Plugin(name)
		if p == nil {
			continue
		}
		out[name] = map[string]any{
			"version":    p.Version(),
			"slot_types": p.SlotTypes(),
			"extra_info": p.ExtraInfo(),
		}
	}
	return out
}

// NewHeartbeatTask builds the instance_heartbeat producer task: region,
// scaling-group, addr, resource_slots, version, compute-plugin metadata and
// the cached compressed image list. The payload carries no ip field.
func NewHeartbeatTask(cfg *config.Config, devReg *devices.Registry, producer *events.Producer, cache *ImageCache, version string) Task {
	return Task{
		Name: "heartbeat",
		Run: func(ctx context.Context) error {
			producer.ProduceEvent("instance_heartbeat", map[string]any{
				"region":          cfg.Agent.Region,
				"scaling_group":   cfg.Agent.ScalingGroup,
				"addr":            cfg.Agent.RPCListenAddr,
				"resource_slots":  resourceSlotTotals(devReg),
				"version":         version,
				"compute_plugins": computePluginMetadata(devReg),
				"images":          cache.Snapshot(),
			})
			return nil
		},
	}
}

// NewStatsTask builds the kernel_stat_sync producer task: samples each
// stats-enabled kernel's backend container status and republishes the
// agent's resource-pressure gauges.
func NewStatsTask(reg *registry.Registry, devReg *devices.Registry, pool *ports.Pool, drv backend.Driver, producer *events.Producer) Task {
	return Task{
		Name: "stats",
		Run: func(ctx context.Context) error {
			kernels := reg.List()
			metrics.KernelsTotal.Set(float64(len(kernels)))
			metrics.PortPoolAvailable.Set(float64(pool.Available()))

			for _, name := range devReg.Names() {
				m := devReg.Map(name)
				if m == nil {
					continue
				}
				for slot, amt := range m.AvailableTotals() {
					metrics.AllocationAvailable.WithLabelValues(name, slot).Set(amt)
				}
			}

			for _, k := range kernels {
				if !k.StatsEnabled() {
					continue
				}
				status, err := drv.GetContainerStatus(ctx, k.ContainerId)
				if err != nil {
					continue
				}
				producer.ProduceEvent("kernel_stat_sync", map[string]any{
					"kernel_id": string(k.KernelId),
					"status":    string(status),
				})
			}
			return nil
		},
	}
}
