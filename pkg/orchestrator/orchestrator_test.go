package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelrun/nodeagent/pkg/backend"
	"github.com/kestrelrun/nodeagent/pkg/bus"
	"github.com/kestrelrun/nodeagent/pkg/devices"
	"github.com/kestrelrun/nodeagent/pkg/events"
	"github.com/kestrelrun/nodeagent/pkg/ports"
	"github.com/kestrelrun/nodeagent/pkg/registry"
	"github.com/kestrelrun/nodeagent/pkg/types"
)

type fakeDriver struct {
	mu             sync.Mutex
	destroyed      []types.KernelId
	cleaned        []types.KernelId
	cleanedRestart []bool
}

func (f *fakeDriver) PullImage(ctx context.Context, ref string) error { return nil }
func (f *fakeDriver) CheckImage(ctx context.Context, ref, digest string, policy backend.ImagePolicy) (bool, error) {
	return false, nil
}
func (f *fakeDriver) Spawn(ctx context.Context, spec backend.SpawnSpec) (types.ContainerId, error) {
	return "", nil
}
func (f *fakeDriver) DestroyKernel(ctx context.Context, kernelID types.KernelId, containerID types.ContainerId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, kernelID)
	return nil
}
func (f *fakeDriver) CleanKernel(ctx context.Context, kernelID types.KernelId, containerID types.ContainerId, restarting bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, kernelID)
	f.cleanedRestart = append(f.cleanedRestart, restarting)
	return nil
}
func (f *fakeDriver) EnumerateContainers(ctx context.Context, filter []backend.ContainerStatus) ([]backend.EnumeratedContainer, error) {
	return nil, nil
}
func (f *fakeDriver) GetContainerStatus(ctx context.Context, id types.ContainerId) (backend.ContainerStatus, error) {
	return backend.ContainerRunning, nil
}
func (f *fakeDriver) CreateOverlayNetwork(ctx context.Context, name string) error  { return nil }
func (f *fakeDriver) DestroyOverlayNetwork(ctx context.Context, name string) error { return nil }
func (f *fakeDriver) CreateLocalNetwork(ctx context.Context, name string) error    { return nil }
func (f *fakeDriver) DestroyLocalNetwork(ctx context.Context, name string) error   { return nil }
func (f *fakeDriver) StreamLogs(ctx context.Context, id types.ContainerId) (backend.LogIterator, error) {
	return nil, nil
}
func (f *fakeDriver) ListImages(ctx context.Context) ([]backend.ImageRef, error) { return nil, nil }

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeDriver) {
	t.Helper()
	dataDir := t.TempDir()

	devReg := devices.NewRegistry()
	require.NoError(t, devReg.Register("local", devices.NewLocalPlugin(4, 8192)))

	pool, err := ports.NewPool(30000, 30010)
	require.NoError(t, err)

	reg, err := registry.Open(dataDir, "agent-1")
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	b := bus.NewInMemoryBus()
	producer := events.NewProducer(b, "agent-1", false)
	shipper := events.NewLogShipper(b, producer, 0)
	driver := &fakeDriver{}

	o := New(Config{
		Registry:   reg,
		Backend:    driver,
		Devices:    devReg,
		Ports:      pool,
		Producer:   producer,
		LogShipper: shipper,
		ResourceMu: &sync.Mutex{},
	})
	return o, driver
}

func newTestKernel(t *testing.T, o *Orchestrator, id types.KernelId) *types.Kernel {
	t.Helper()
	k := types.NewKernel(id, types.SessionId("s1"), types.ContainerId(id), types.ClusterRoleWorker)
	hostPorts, err := o.ports.AcquireN(2)
	require.NoError(t, err)
	k.HostPorts = hostPorts

	m := o.devices.Map("local")
	allocd, err := m.Allocate(string(id), types.ResourceSlots{"cpu": 1})
	require.NoError(t, err)

	spec := &types.ResourceSpec{PerDeviceAlloc: map[string]map[string]types.ResourceSlots{"local": allocd}}
	k.SetSpec(spec)

	o.registry.Put(k)
	return k
}

func TestHandleStart_SetsStatsEnabled(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	k := newTestKernel(t, o, "k1")

	err := o.handleStart(context.Background(), &types.ContainerLifecycleEvent{KernelId: "k1"})
	require.NoError(t, err)
	assert.True(t, k.StatsEnabled())
}

func TestHandleDestroy_KnownKernel(t *testing.T) {
	o, driver := newTestOrchestrator(t)
	k := newTestKernel(t, o, "k2")
	k.SetStatsEnabled(true)

	err := o.handleDestroy(context.Background(), &types.ContainerLifecycleEvent{KernelId: "k2", Reason: "user-requested"})
	require.NoError(t, err)
	assert.False(t, k.StatsEnabled())
	assert.Equal(t, "user-requested", k.TerminationReason())
	assert.Contains(t, driver.destroyed, types.KernelId("k2"))
}

func TestHandleDestroy_MissingKernelNoContainer(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	b := bus.NewInMemoryBus()
	producer := events.NewProducer(b, "agent-1", false)
	o.producer = producer
	ch := b.Subscribe("events.pubsub")

	err := o.handleDestroy(context.Background(), &types.ContainerLifecycleEvent{KernelId: "ghost"})
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected kernel_terminated event for already-terminated kernel")
	}
}

func TestHandleDestroy_MissingKernelKnownContainer_EnqueuesClean(t *testing.T) {
	o, driver := newTestOrchestrator(t)

	err := o.handleDestroy(context.Background(), &types.ContainerLifecycleEvent{KernelId: "k3", ContainerId: "c3"})
	require.NoError(t, err)

	o.mu.Lock()
	require.Len(t, o.queue, 1)
	queued := o.queue[0]
	o.mu.Unlock()

	assert.Equal(t, types.LifecycleClean, queued.Kind)
	err = o.handleClean(context.Background(), queued)
	require.NoError(t, err)
	assert.Contains(t, driver.cleaned, types.KernelId("k3"))
}

func TestHandleClean_ReleasesResourcesAndRemovesFromRegistry(t *testing.T) {
	o, driver := newTestOrchestrator(t)
	k := newTestKernel(t, o, "k4")

	before := o.ports.Available()
	err := o.handleClean(context.Background(), &types.ContainerLifecycleEvent{KernelId: "k4"})
	require.NoError(t, err)

	assert.Nil(t, o.registry.Get("k4"))
	assert.Equal(t, before+2, o.ports.Available())
	assert.Empty(t, o.devices.Map("local").Allocations("k4"))
	assert.Contains(t, driver.cleaned, types.KernelId("k4"))

	select {
	case <-k.CleanEvent.Done():
	default:
		t.Fatal("expected clean-event to fire")
	}
}

func TestHandleClean_RestartingFiresDestroyCompleteNotTerminated(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	newTestKernel(t, o, "k5")

	tracker := types.NewRestartTracker()
	o.SetRestartTracker("k5", tracker)

	err := o.handleClean(context.Background(), &types.ContainerLifecycleEvent{KernelId: "k5"})
	require.NoError(t, err)

	select {
	case <-tracker.DestroyComplete.Done():
	default:
		t.Fatal("expected destroy-complete to fire for a restarting kernel")
	}
}

func TestRunEnqueueShutdown_EndToEnd(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	newTestKernel(t, o, "k6")

	go o.Run(context.Background())

	timeout := make(chan struct{})
	time.AfterFunc(2*time.Second, func() { close(timeout) })

	done := types.NewOneShot()
	o.Enqueue(&types.ContainerLifecycleEvent{KernelId: "k6", Kind: types.LifecycleStart, Done: done})
	_, ok := done.Wait(timeout)
	require.True(t, ok)

	o.Shutdown()
	assert.True(t, o.closed)
}
