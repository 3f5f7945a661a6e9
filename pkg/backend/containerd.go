package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/kestrelrun/nodeagent/pkg/types"
)

const (
	// Namespace scopes every container this agent creates.
	Namespace = "kestrelrun-agent"

	// DefaultSocketPath is used when the configured socket is empty.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	kernelIDLabel = "io.kestrelrun.kernel-id"

	destroyGraceTimeout = 10 * time.Second
)

// ContainerdDriver implements Driver against a containerd daemon.
type ContainerdDriver struct {
	client *containerd.Client
}

// NewContainerdDriver connects to containerd at socketPath (or the default
// socket if empty).
func NewContainerdDriver(socketPath string) (*ContainerdDriver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd at %s: %w", socketPath, err)
	}
	return &ContainerdDriver{client: client}, nil
}

// Close releases the containerd client connection.
func (d *ContainerdDriver) Close() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}

func (d *ContainerdDriver) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

// PullImage pulls and unpacks an image reference.
func (d *ContainerdDriver) PullImage(ctx context.Context, imageRef string) error {
	ctx = d.ctx(ctx)
	_, err := d.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	return nil
}

// CheckImage reports whether imageRef needs pulling under policy. For
// ImagePolicyNone it always reports false (the manager has already ensured
// availability); otherwise it checks local image presence, and for
// ImagePolicyDigest additionally compares the stored digest.
func (d *ContainerdDriver) CheckImage(ctx context.Context, imageRef, digest string, policy ImagePolicy) (bool, error) {
	if policy == ImagePolicyNone {
		return false, nil
	}
	ctx = d.ctx(ctx)

	img, err := d.client.GetImage(ctx, imageRef)
	if err != nil {
		// Not present locally: needs pull.
		return true, nil
	}

	if policy == ImagePolicyDigest && digest != "" {
		return img.Target().Digest.String() != digest, nil
	}
	return false, nil
}

// Spawn creates and starts a container from spec, returning its id.
func (d *ContainerdDriver) Spawn(ctx context.Context, spec SpawnSpec) (types.ContainerId, error) {
	ctx = d.ctx(ctx)

	image, err := d.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if spec.CPUCores > 0 {
		shares := uint64(spec.CPUCores * 1024)
		quota := int64(spec.CPUCores * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if spec.MemoryBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryBytes)))
	}

	mounts := make([]specs.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		opt := "rw"
		if m.Permission == types.MountReadOnly {
			opt = "ro"
		}
		mounts = append(mounts, specs.Mount{
			Source:      m.HostSource,
			Destination: m.ContainerTarget,
			Type:        "bind",
			Options:     append([]string{opt, "bind"}, m.Options...),
		})
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	labels := map[string]string{kernelIDLabel: string(spec.KernelId)}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerID := spec.ContainerName
	if containerID == "" {
		containerID = string(spec.KernelId)
	}

	ctrdContainer, err := d.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	task, err := ctrdContainer.NewTask(ctx, cio.NullIO)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("start task: %w", err)
	}

	return types.ContainerId(ctrdContainer.ID()), nil
}

// DestroyKernel sends SIGTERM, waits with a grace period, then SIGKILLs.
// It leaves the container and its snapshot in place for CleanKernel to
// remove, mirroring the orchestrator's DESTROY-then-CLEAN split.
func (d *ContainerdDriver) DestroyKernel(ctx context.Context, kernelID types.KernelId, containerID types.ContainerId) error {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, string(containerID))
	if err != nil {
		return nil // already gone
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // not running
	}

	stopCtx, cancel := context.WithTimeout(ctx, destroyGraceTimeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("SIGTERM kernel %s: %w", kernelID, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait for kernel %s: %w", kernelID, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("SIGKILL kernel %s: %w", kernelID, err)
		}
	}
	return nil
}

// CleanKernel deletes the task, container, and snapshot. restarting is
// accepted for symmetry with the driver interface the creation pipeline
// expects but does not change cleanup behavior here.
func (d *ContainerdDriver) CleanKernel(ctx context.Context, kernelID types.KernelId, containerID types.ContainerId, restarting bool) error {
	ctx = d.ctx(ctx)

	container, err := d.client.LoadContainer(ctx, string(containerID))
	if err != nil {
		return nil
	}

	if task, err := container.Task(ctx, nil); err == nil {
		_, _ = task.Delete(ctx)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container %s for kernel %s: %w", containerID, kernelID, err)
	}
	return nil
}

// EnumerateContainers lists containers in this agent's namespace, filtered
// to statusFilter, recovering each one's kernel-id from its label.
func (d *ContainerdDriver) EnumerateContainers(ctx context.Context, statusFilter []ContainerStatus) ([]EnumeratedContainer, error) {
	ctx = d.ctx(ctx)

	containers, err := d.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	want := make(map[ContainerStatus]bool, len(statusFilter))
	for _, s := range statusFilter {
		want[s] = true
	}

	var out []EnumeratedContainer
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		kernelID, ok := labels[kernelIDLabel]
		if !ok {
			continue // not one of ours
		}

		status, err := d.taskStatus(ctx, c)
		if err != nil {
			status = ContainerUnknown
		}
		if len(want) > 0 && !want[status] {
			continue
		}

		out = append(out, EnumeratedContainer{
			KernelId:    types.KernelId(kernelID),
			ContainerId: types.ContainerId(c.ID()),
			Status:      status,
		})
	}
	return out, nil
}

// GetContainerStatus reports the run state of one container.
func (d *ContainerdDriver) GetContainerStatus(ctx context.Context, containerID types.ContainerId) (ContainerStatus, error) {
	ctx = d.ctx(ctx)
	container, err := d.client.LoadContainer(ctx, string(containerID))
	if err != nil {
		return ContainerUnknown, fmt.Errorf("load container %s: %w", containerID, err)
	}
	return d.taskStatus(ctx, container)
}

func (d *ContainerdDriver) taskStatus(ctx context.Context, container containerd.Container) (ContainerStatus, error) {
	task, err := container.Task(ctx, nil)
	if err != nil {
		return ContainerExited, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return ContainerUnknown, err
	}
	switch status.Status {
	case containerd.Running, containerd.Paused:
		return ContainerRunning, nil
	default:
		return ContainerExited, nil
	}
}

// containerdLogIterator reads a container's log file (the path StreamLogs
// opens) in chunks of up to 32 KiB. Spawn attaches cio.NullIO, so this
// driver itself never writes that file.
type containerdLogIterator struct {
	f *os.File
}

func (it *containerdLogIterator) Next(ctx context.Context) ([]byte, error) {
	if it.f == nil {
		return nil, io.EOF
	}
	buf := make([]byte, 32*1024)
	n, err := it.f.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

func (it *containerdLogIterator) Close() error {
	if it.f == nil {
		return nil
	}
	return it.f.Close()
}

// StreamLogs opens the container's log file for incremental reading. If no
// log file exists it returns an iterator whose first Next reports io.EOF.
func (d *ContainerdDriver) StreamLogs(ctx context.Context, containerID types.ContainerId) (LogIterator, error) {
	path := filepath.Join(os.TempDir(), Namespace, string(containerID)+".log")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &containerdLogIterator{f: nil}, nil
		}
		return nil, fmt.Errorf("open log file for %s: %w", containerID, err)
	}
	return &containerdLogIterator{f: f}, nil
}

// ListImages reports every image present in this agent's namespace, for
// the timer set's periodic image-scan task.
func (d *ContainerdDriver) ListImages(ctx context.Context) ([]ImageRef, error) {
	ctx = d.ctx(ctx)
	images, err := d.client.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	out := make([]ImageRef, 0, len(images))
	for _, img := range images {
		out = append(out, ImageRef{RepoTag: img.Name(), Digest: img.Target().Digest.String()})
	}
	return out, nil
}

// CreateOverlayNetwork, DestroyOverlayNetwork, CreateLocalNetwork and
// DestroyLocalNetwork are left as no-ops for the bundled driver: container
// networking in this deployment relies on containerd's default CNI setup.
// A production driver would shell out to the cluster's network plugin here.
func (d *ContainerdDriver) CreateOverlayNetwork(ctx context.Context, name string) error  { return nil }
func (d *ContainerdDriver) DestroyOverlayNetwork(ctx context.Context, name string) error { return nil }
func (d *ContainerdDriver) CreateLocalNetwork(ctx context.Context, name string) error    { return nil }
func (d *ContainerdDriver) DestroyLocalNetwork(ctx context.Context, name string) error   { return nil }
