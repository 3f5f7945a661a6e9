// Package alloc implements the allocation map: reservation and release of
// typed resource slots across devices owned by a compute plugin, guarded
// by the caller's resource lock. Device selection policy is left to the
// plugin; this map just tracks the ledger and enforces
// InsufficientResource.
package alloc

import (
	"fmt"

	"github.com/kestrelrun/nodeagent/pkg/types"
)

// InsufficientResourceError is raised when a requested slot cannot be
// satisfied. It carries enough detail for the creation pipeline to surface
// a precise failure naming the device and shortfall.
type InsufficientResourceError struct {
	Device    string
	Slot      string
	Requested float64
	Available float64
}

func (e *InsufficientResourceError) Error() string {
	return fmt.Sprintf("insufficient resource: device %s slot %s requested %.3f available %.3f",
		e.Device, e.Slot, e.Requested, e.Available)
}

// DeviceCapacity is the total and available quantity of one slot on one
// device-id, as reported by a compute-device plugin.
type DeviceCapacity struct {
	DeviceId  string
	Capacity  map[string]float64 // slot name -> total units
	Available map[string]float64 // slot name -> free units
}

// Map is the per-device-name allocation ledger. A Map instance is created
// per device-family plugin (e.g. one Map for "local", which covers the "cpu"
// and "mem" slots); the device registry (pkg/devices) owns one Map per plugin.
type Map struct {
	deviceName string
	devices    map[string]*DeviceCapacity // device-id -> capacity

	// allocations[kernel-context][device-id][slot] = units reserved
	allocations map[string]map[string]map[string]float64
}

// NewMap constructs an empty allocation map for one device family.
func NewMap(deviceName string) *Map {
	return &Map{
		deviceName:  deviceName,
		devices:     make(map[string]*DeviceCapacity),
		allocations: make(map[string]map[string]map[string]float64),
	}
}

// SetDevices replaces the known device set, e.g. after plugin enumeration.
func (m *Map) SetDevices(devices []*DeviceCapacity) {
	m.devices = make(map[string]*DeviceCapacity, len(devices))
	for _, d := range devices {
		m.devices[d.DeviceId] = d
	}
}

// Allocate reserves slots for context (typically a kernel-id), returning the
// per-device-id allocation actually made. On failure, any partial
// reservation made within this call is rolled back before returning.
func (m *Map) Allocate(context string, slots types.ResourceSlots) (map[string]types.ResourceSlots, error) {
	result := make(map[string]types.ResourceSlots)

	var rollback []func()
	fail := func(err error) (map[string]types.ResourceSlots, error) {
		for i := len(rollback) - 1; i >= 0; i-- {
			rollback[i]()
		}
		return nil, err
	}

	for slot, want := range slots {
		devID, err := m.pickDevice(slot, want)
		if err != nil {
			return fail(err)
		}
		dev := m.devices[devID]
		dev.Available[slot] -= want
		rollbackDevID, rollbackSlot, rollbackAmt := devID, slot, want
		rollback = append(rollback, func() {
			m.devices[rollbackDevID].Available[rollbackSlot] += rollbackAmt
		})

		if result[devID] == nil {
			result[devID] = make(types.ResourceSlots)
		}
		result[devID][slot] += want
	}

	ctxAlloc := m.allocations[context]
	if ctxAlloc == nil {
		ctxAlloc = make(map[string]map[string]float64)
		m.allocations[context] = ctxAlloc
	}
	for devID, devSlots := range result {
		if ctxAlloc[devID] == nil {
			ctxAlloc[devID] = make(map[string]float64)
		}
		for slot, amt := range devSlots {
			ctxAlloc[devID][slot] += amt
		}
	}

	return result, nil
}

// pickDevice prefers even spread across devices with enough availability.
func (m *Map) pickDevice(slot string, want float64) (string, error) {
	var best string
	bestAvail := -1.0
	for id, dev := range m.devices {
		avail, ok := dev.Available[slot]
		if !ok || avail < want {
			continue
		}
		if avail > bestAvail {
			bestAvail = avail
			best = id
		}
	}
	if best == "" {
		var totalAvail float64
		for _, dev := range m.devices {
			totalAvail += dev.Available[slot]
		}
		return "", &InsufficientResourceError{
			Device:    m.deviceName,
			Slot:      slot,
			Requested: want,
			Available: totalAvail,
		}
	}
	return best, nil
}

// Release returns a context's allocations to the available pool and drops
// the ledger entry. Used by creation-pipeline rollback and by CLEAN.
func (m *Map) Release(context string) {
	ctxAlloc, ok := m.allocations[context]
	if !ok {
		return
	}
	for devID, slots := range ctxAlloc {
		dev, ok := m.devices[devID]
		if !ok {
			continue
		}
		for slot, amt := range slots {
			dev.Available[slot] += amt
		}
	}
	delete(m.allocations, context)
}

// Clear drops all allocations without touching device capacity, used when
// rebuilding state from scratch (e.g. before a full RestoreFromContainer pass).
func (m *Map) Clear() {
	m.allocations = make(map[string]map[string]map[string]float64)
	for _, dev := range m.devices {
		for slot, cap := range dev.Capacity {
			dev.Available[slot] = cap
		}
	}
}

// RestoreFromContainer re-derives an allocation for a container observed on
// disk, so that after agent restart in-memory bookkeeping matches ground
// truth. It bypasses device selection since the container's original
// device-id assignment is already known.
func (m *Map) RestoreFromContainer(context string, deviceID string, slots types.ResourceSlots) {
	dev, ok := m.devices[deviceID]
	if !ok {
		dev = &DeviceCapacity{DeviceId: deviceID, Capacity: map[string]float64{}, Available: map[string]float64{}}
		m.devices[deviceID] = dev
	}
	for slot, amt := range slots {
		dev.Available[slot] -= amt
	}

	ctxAlloc := m.allocations[context]
	if ctxAlloc == nil {
		ctxAlloc = make(map[string]map[string]float64)
		m.allocations[context] = ctxAlloc
	}
	if ctxAlloc[deviceID] == nil {
		ctxAlloc[deviceID] = make(map[string]float64)
	}
	for slot, amt := range slots {
		ctxAlloc[deviceID][slot] += amt
	}
}

// AvailableTotals sums remaining availability per slot across every device
// in this map, for the timer set's stats tick and heartbeat resource_slots
// payload.
func (m *Map) AvailableTotals() map[string]float64 {
	totals := make(map[string]float64)
	for _, dev := range m.devices {
		for slot, amt := range dev.Available {
			totals[slot] += amt
		}
	}
	return totals
}

// Allocations returns a snapshot of what context currently holds, keyed by
// device-id, for ledger checks and attached-devices reporting.
func (m *Map) Allocations(context string) map[string]types.ResourceSlots {
	ctxAlloc, ok := m.allocations[context]
	if !ok {
		return nil
	}
	out := make(map[string]types.ResourceSlots, len(ctxAlloc))
	for devID, slots := range ctxAlloc {
		copySlots := make(types.ResourceSlots, len(slots))
		for k, v := range slots {
			copySlots[k] = v
		}
		out[devID] = copySlots
	}
	return out
}
