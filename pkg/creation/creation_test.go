package creation

import (
	"context"
	"os"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelrun/nodeagent/pkg/backend"
	"github.com/kestrelrun/nodeagent/pkg/bus"
	"github.com/kestrelrun/nodeagent/pkg/config"
	"github.com/kestrelrun/nodeagent/pkg/devices"
	"github.com/kestrelrun/nodeagent/pkg/events"
	"github.com/kestrelrun/nodeagent/pkg/ports"
	"github.com/kestrelrun/nodeagent/pkg/registry"
	"github.com/kestrelrun/nodeagent/pkg/types"
)

type fakeDriver struct {
	mu         sync.Mutex
	spawned    []backend.SpawnSpec
	spawnErr   error
	nextID     int
	statusFunc func() (backend.ContainerStatus, error)
}

func (f *fakeDriver) PullImage(ctx context.Context, ref string) error { return nil }
func (f *fakeDriver) CheckImage(ctx context.Context, ref, digest string, policy backend.ImagePolicy) (bool, error) {
	return false, nil
}
func (f *fakeDriver) Spawn(ctx context.Context, spec backend.SpawnSpec) (types.ContainerId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	f.spawned = append(f.spawned, spec)
	f.nextID++
	return types.ContainerId(spec.ContainerName), nil
}
func (f *fakeDriver) DestroyKernel(ctx context.Context, kernelID types.KernelId, containerID types.ContainerId) error {
	return nil
}
func (f *fakeDriver) CleanKernel(ctx context.Context, kernelID types.KernelId, containerID types.ContainerId, restarting bool) error {
	return nil
}
func (f *fakeDriver) EnumerateContainers(ctx context.Context, filter []backend.ContainerStatus) ([]backend.EnumeratedContainer, error) {
	return nil, nil
}
func (f *fakeDriver) GetContainerStatus(ctx context.Context, id types.ContainerId) (backend.ContainerStatus, error) {
	if f.statusFunc != nil {
		return f.statusFunc()
	}
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

func newTestPipeline(t *testing.T) (*Pipeline, *fakeDriver) {
	t.Helper()
	dataDir := t.TempDir()

	devReg := devices.NewRegistry()
	require.NoError(t, devReg.Register("local", devices.NewLocalPlugin(4, 8192)))

	pool, err := ports.NewPool(30000, 30010)
	require.NoError(t, err)

	reg, err := registry.Open(dataDir, "agent-1")
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	driver := &fakeDriver{}
	producer := events.NewProducer(bus.NewInMemoryBus(), "agent-1", false)

	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.Agent.ID = "agent-1"

	return &Pipeline{
		Devices:    devReg,
		Ports:      pool,
		Registry:   reg,
		Backend:    driver,
		Config:     cfg,
		Producer:   producer,
		ResourceMu: &sync.Mutex{},
		KernelHost: "127.0.0.1",
	}, driver
}

func TestCreate_Success(t *testing.T) {
	p, driver := newTestPipeline(t)

	result, err := p.Create(context.Background(), CreateRequest{
		KernelId:    types.KernelId("k1"),
		SessionId:   types.SessionId("s1"),
		ClusterRole: types.ClusterRoleMain,
		Image:       "python:3.11",
		SlotRequest: types.ResourceSlots{"cpu": 1, "mem": 1024},
		Distro:      "ubuntu20.04",
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, types.ContainerId("k1"), result.ContainerId)
	assert.NotZero(t, result.ReplInPort)
	assert.NotZero(t, result.ReplOutPort)
	assert.NotEqual(t, result.ReplInPort, result.ReplOutPort)
	assert.True(t, result.ResourceSpec.Frozen())
	assert.Len(t, driver.spawned, 1)

	// main-role kernel gets sshd+ttyd service ports in addition to repl.
	names := map[string]bool{}
	for _, sp := range result.ServicePorts {
		names[sp.Name] = true
	}
	assert.True(t, names["sshd"])
	assert.True(t, names["ttyd"])

	// the kernel is now registered and its kconfig persisted.
	assert.NotNil(t, p.Registry.Get(types.KernelId("k1")))
	_, err = p.Registry.LoadKConfig(types.KernelId("k1"))
	assert.NoError(t, err)
}

func TestCreate_InsufficientResourceReleasesNothingPartial(t *testing.T) {
	p, driver := newTestPipeline(t)

	before := p.Ports.Available()

	_, err := p.Create(context.Background(), CreateRequest{
		KernelId:    types.KernelId("k2"),
		SessionId:   types.SessionId("s2"),
		ClusterRole: types.ClusterRoleWorker,
		Image:       "python:3.11",
		SlotRequest: types.ResourceSlots{"cpu": 999},
	})
	require.Error(t, err)
	assert.Empty(t, driver.spawned)
	assert.Equal(t, before, p.Ports.Available(), "no ports should leak when allocation fails before the port stage")
}

func TestCreate_SpawnFailureReleasesPortsAndSlots(t *testing.T) {
	p, driver := newTestPipeline(t)
	driver.spawnErr = assertErr{"boom"}

	before := p.Ports.Available()

	_, err := p.Create(context.Background(), CreateRequest{
		KernelId:    types.KernelId("k3"),
		SessionId:   types.SessionId("s3"),
		ClusterRole: types.ClusterRoleWorker,
		Image:       "python:3.11",
		SlotRequest: types.ResourceSlots{"cpu": 1, "mem": 512},
	})
	require.Error(t, err)
	assert.Equal(t, before, p.Ports.Available(), "ports acquired before a spawn failure must be released")

	m := p.Devices.Map("local")
	assert.Empty(t, m.Allocations("k3"), "slots allocated before a spawn failure must be released")
}

func TestCreate_VFolderMount(t *testing.T) {
	p, _ := newTestPipeline(t)
	hostDir := t.TempDir()
	require.NoError(t, os.MkdirAll(hostDir, 0755))

	result, err := p.Create(context.Background(), CreateRequest{
		KernelId:    types.KernelId("k4"),
		SessionId:   types.SessionId("s4"),
		ClusterRole: types.ClusterRoleWorker,
		Image:       "python:3.11",
		SlotRequest: types.ResourceSlots{"cpu": 1},
		VFolders: []VFolderRequest{
			{Name: "data", HostPath: hostDir, Permission: types.MountReadWrite},
		},
	})
	require.NoError(t, err)

	found := false
	for _, m := range result.ResourceSpec.Mounts {
		if m.ContainerTarget == "/home/work/data" {
			found = true
			assert.Equal(t, hostDir, m.HostSource)
			assert.True(t, m.IsUnmanaged)
		}
	}
	assert.True(t, found, "expected a mount targeting /home/work/data")
}

func TestCreate_PreventVFolderMountsSkipsAllButLogs(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.Config.Container.PreventVFolderMounts = true
	dataDir := t.TempDir()
	logsDir := t.TempDir()

	result, err := p.Create(context.Background(), CreateRequest{
		KernelId:    types.KernelId("k5"),
		SessionId:   types.SessionId("s5"),
		ClusterRole: types.ClusterRoleWorker,
		Image:       "python:3.11",
		SlotRequest: types.ResourceSlots{"cpu": 1},
		VFolders: []VFolderRequest{
			{Name: "data", HostPath: dataDir, Permission: types.MountReadWrite},
			{Name: ".logs", HostPath: logsDir, Permission: types.MountReadWrite},
		},
	})
	require.NoError(t, err)

	targets := map[string]bool{}
	for _, m := range result.ResourceSpec.Mounts {
		targets[m.ContainerTarget] = true
	}
	assert.False(t, targets["/home/work/data"], "non-.logs vfolders must not be mounted at all when prevented")
	assert.True(t, targets["/home/work/.logs"])
}

func TestAcceleratorHookMounts_RandomizedTargetsAndCrossFamilyDedup(t *testing.T) {
	injected := map[string]struct{}{}

	mounts, preload, err := acceleratorHookMounts("cuda.device", []string{"/usr/lib/libhook.so", "/usr/lib/libtrace.so"}, injected)
	require.NoError(t, err)
	require.Len(t, mounts, 2)
	require.Len(t, preload, 2)

	pattern := regexp.MustCompile(`^/opt/kernel/libcuda\.device[0-9a-f]{12}\.so$`)
	assert.Regexp(t, pattern, mounts[0].ContainerTarget)
	assert.Regexp(t, pattern, mounts[1].ContainerTarget)
	assert.NotEqual(t, mounts[0].ContainerTarget, mounts[1].ContainerTarget)
	assert.Equal(t, mounts[0].ContainerTarget, preload[0])

	// A second device family exposing one of the same host libraries must
	// not mount it again.
	again, preloadAgain, err := acceleratorHookMounts("rocm.device", []string{"/usr/lib/libhook.so", "/usr/lib/librocm.so"}, injected)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Len(t, preloadAgain, 1)
	assert.Equal(t, "/usr/lib/librocm.so", again[0].HostSource)
	assert.Regexp(t, `^/opt/kernel/librocm\.device[0-9a-f]{12}\.so$`, again[0].ContainerTarget)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
