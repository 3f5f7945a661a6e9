// Package devices implements the compute-device registry: the plugin
// interface plus one concrete, usable implementation (a local CPU/memory
// plugin) so the agent runs end to end without an accelerator present.
// Accelerator plugins (GPU, etc.) implement the same Plugin interface out
// of process tree.
package devices

import (
	"fmt"

	"github.com/kestrelrun/nodeagent/pkg/alloc"
	"github.com/kestrelrun/nodeagent/pkg/types"
)

// Plugin is the narrow surface a compute-device plugin exposes to the
// agent.
type Plugin interface {
	Name() string
	SlotTypes() []string
	ListDevices() ([]*alloc.DeviceCapacity, error)
	Version() string
	ExtraInfo() map[string]string
	// Hooks returns the accelerator hook library paths to bind-mount for
	// the given distro/arch; the local CPU/memory plugin returns none.
	Hooks(distro, arch string) ([]string, error)
	// AttachedDevices reports which device-ids and slot amounts a kernel's
	// allocation actually used, for the creation pipeline's result.
	AttachedDevices(alloc map[string]types.ResourceSlots) map[string]types.ResourceSlots
}

// Registry owns one allocation map and plugin per device family, keyed by
// plugin name (e.g. "local"); SlotOwner maps the slot names referenced in a
// ResourceSlots map (e.g. "cpu", "mem") to that plugin name.
type Registry struct {
	plugins map[string]Plugin
	maps    map[string]*alloc.Map
}

// NewRegistry constructs an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		maps:    make(map[string]*alloc.Map),
	}
}

// Register adds a plugin under name, creating its allocation map and
// populating it from the plugin's current device enumeration.
func (r *Registry) Register(name string, p Plugin) error {
	devices, err := p.ListDevices()
	if err != nil {
		return fmt.Errorf("list devices for plugin %s: %w", name, err)
	}
	m := alloc.NewMap(name)
	m.SetDevices(devices)

	r.plugins[name] = p
	r.maps[name] = m
	return nil
}

// Plugin returns the registered plugin for a device name, or nil.
func (r *Registry) Plugin(name string) Plugin {
	return r.plugins[name]
}

// Map returns the allocation map for a device name, or nil.
func (r *Registry) Map(name string) *alloc.Map {
	return r.maps[name]
}

// Names lists all registered device-family names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		names = append(names, n)
	}
	return names
}

// ClearAll drops all allocations across every registered device family,
// used by a resource rescan before restoring from the registry's live
// kernel set.
func (r *Registry) ClearAll() {
	for _, m := range r.maps {
		m.Clear()
	}
}

// SlotOwner maps a slot name (e.g. "cpu", "cuda.device") to the device
// family name that owns it, so Allocate can be dispatched per device.
func (r *Registry) SlotOwner(slot string) (string, bool) {
	for name, p := range r.plugins {
		for _, s := range p.SlotTypes() {
			if s == slot {
				return name, true
			}
		}
	}
	return "", false
}
