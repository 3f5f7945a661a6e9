package alloc

import (
	"errors"
	"testing"

	"github.com/kestrelrun/nodeagent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMap() *Map {
	m := NewMap("cpu")
	m.SetDevices([]*DeviceCapacity{
		{DeviceId: "cpu0", Capacity: map[string]float64{"cpu": 4}, Available: map[string]float64{"cpu": 4}},
		{DeviceId: "cpu1", Capacity: map[string]float64{"cpu": 4}, Available: map[string]float64{"cpu": 4}},
	})
	return m
}

func TestAllocate_Succeeds(t *testing.T) {
	m := newTestMap()
	got, err := m.Allocate("kernel-a", types.ResourceSlots{"cpu": 2})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestAllocate_InsufficientResource(t *testing.T) {
	m := NewMap("cuda.device")
	m.SetDevices(nil)

	_, err := m.Allocate("kernel-a", types.ResourceSlots{"cuda.device": 1})
	require.Error(t, err)

	var insufficient *InsufficientResourceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "cuda.device", insufficient.Slot)
	assert.Equal(t, 1.0, insufficient.Requested)
}

func TestAllocate_RollsBackOnPartialFailure(t *testing.T) {
	m := NewMap("mixed")
	m.SetDevices([]*DeviceCapacity{
		{DeviceId: "dev0", Capacity: map[string]float64{"cpu": 2, "mem": 0}, Available: map[string]float64{"cpu": 2, "mem": 0}},
	})

	_, err := m.Allocate("kernel-a", types.ResourceSlots{"cpu": 1, "mem": 1})
	require.Error(t, err)

	assert.Equal(t, 2.0, m.devices["dev0"].Available["cpu"], "cpu reservation must be rolled back after mem allocation fails")
}

func TestRelease_ReturnsCapacity(t *testing.T) {
	m := newTestMap()
	_, err := m.Allocate("kernel-a", types.ResourceSlots{"cpu": 3})
	require.NoError(t, err)

	m.Release("kernel-a")

	total := m.devices["cpu0"].Available["cpu"] + m.devices["cpu1"].Available["cpu"]
	assert.Equal(t, 8.0, total)
	assert.Nil(t, m.Allocations("kernel-a"))
}

func TestRestoreFromContainer_MatchesAllocation(t *testing.T) {
	m := newTestMap()
	m.RestoreFromContainer("kernel-restored", "cpu0", types.ResourceSlots{"cpu": 2})

	assert.Equal(t, 2.0, m.devices["cpu0"].Available["cpu"])
	allocs := m.Allocations("kernel-restored")
	require.Contains(t, allocs, "cpu0")
	assert.Equal(t, 2.0, allocs["cpu0"]["cpu"])
}

func TestClear_RestoresFullCapacity(t *testing.T) {
	m := newTestMap()
	_, err := m.Allocate("kernel-a", types.ResourceSlots{"cpu": 4})
	require.NoError(t, err)

	m.Clear()

	assert.Equal(t, 4.0, m.devices["cpu0"].Available["cpu"])
	assert.Equal(t, 4.0, m.devices["cpu1"].Available["cpu"])
	assert.Nil(t, m.Allocations("kernel-a"))
}
