package devices

import (
	"fmt"
	"runtime"

	"github.com/kestrelrun/nodeagent/pkg/alloc"
	"github.com/kestrelrun/nodeagent/pkg/types"
)

// LocalPlugin is the default compute-device plugin: it exposes the host's
// own CPU core count and a configured memory ceiling as a single
// pseudo-device, with no accelerator hooks.
type LocalPlugin struct {
	cpuCores  int
	memoryMiB int64
	pluginVer string
}

// NewLocalPlugin builds a plugin advertising cpuCores cores and memoryMiB
// mebibytes of allocatable memory. A zero cpuCores defaults to
// runtime.NumCPU().
func NewLocalPlugin(cpuCores int, memoryMiB int64) *LocalPlugin {
	if cpuCores <= 0 {
		cpuCores = runtime.NumCPU()
	}
	return &LocalPlugin{cpuCores: cpuCores, memoryMiB: memoryMiB, pluginVer: "local-1"}
}

func (p *LocalPlugin) Name() string { return "local" }

func (p *LocalPlugin) SlotTypes() []string { return []string{"cpu", "mem"} }

func (p *LocalPlugin) ListDevices() ([]*alloc.DeviceCapacity, error) {
	return []*alloc.DeviceCapacity{
		{
			DeviceId: "local0",
			Capacity: map[string]float64{
				"cpu": float64(p.cpuCores),
				"mem": float64(p.memoryMiB),
			},
			Available: map[string]float64{
				"cpu": float64(p.cpuCores),
				"mem": float64(p.memoryMiB),
			},
		},
	}, nil
}

func (p *LocalPlugin) Version() string { return p.pluginVer }

func (p *LocalPlugin) ExtraInfo() map[string]string {
	return map[string]string{"cpu_cores": fmt.Sprintf("%d", p.cpuCores)}
}

// Hooks returns no accelerator hook libraries; the local plugin has none.
func (p *LocalPlugin) Hooks(distro, arch string) ([]string, error) {
	return nil, nil
}

func (p *LocalPlugin) AttachedDevices(allocated map[string]types.ResourceSlots) map[string]types.ResourceSlots {
	out := make(map[string]types.ResourceSlots, len(allocated))
	for devID, slots := range allocated {
		copySlots := make(types.ResourceSlots, len(slots))
		for k, v := range slots {
			copySlots[k] = v
		}
		out[devID] = copySlots
	}
	return out
}
