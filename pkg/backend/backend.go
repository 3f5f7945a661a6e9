// Package backend defines the container backend driver plus one concrete
// implementation on containerd. The creation pipeline, reconciler, and
// orchestrator all talk to a Driver, never to containerd directly.
package backend

import (
	"context"

	"github.com/kestrelrun/nodeagent/pkg/types"
)

// ImagePolicy controls how CheckImage decides whether a pull is required.
type ImagePolicy string

const (
	ImagePolicyDigest ImagePolicy = "digest"
	ImagePolicyTag    ImagePolicy = "tag"
	ImagePolicyNone   ImagePolicy = "none"
)

// ContainerStatus is the backend-observed run state of a container.
type ContainerStatus string

const (
	ContainerRunning ContainerStatus = "running"
	ContainerExited  ContainerStatus = "exited"
	ContainerUnknown ContainerStatus = "unknown"
)

// ImageRef is one locally present image, reported in the heartbeat event's
// compressed image list.
type ImageRef struct {
	RepoTag string
	Digest  string
}

// EnumeratedContainer is one entry returned by EnumerateContainers: a
// backend-observed container paired with the kernel-id recovered from its
// labels.
type EnumeratedContainer struct {
	KernelId    types.KernelId
	ContainerId types.ContainerId
	Status      ContainerStatus
	HostPorts   []int // ports bound on this container, for reconcile bookkeeping
}

// SpawnSpec is everything the backend needs to create and start a kernel's
// container. It is assembled by the creation pipeline after mount
// resolution, slot allocation, and port planning.
type SpawnSpec struct {
	KernelId      types.KernelId
	ContainerName string
	Image         string
	Env           []string
	Mounts        []types.Mount
	CPUCores      float64
	MemoryBytes   int64
	ExposedPorts  []int
	Labels        map[string]string
}

// Driver is the narrow surface the agent needs from a container backend.
// One concrete implementation (containerd) ships with this repo; a test
// double lives alongside the creation-pipeline and reconciler tests.
type Driver interface {
	PullImage(ctx context.Context, imageRef string) error
	// CheckImage reports whether a pull is required under policy.
	CheckImage(ctx context.Context, imageRef, digest string, policy ImagePolicy) (needsPull bool, err error)

	Spawn(ctx context.Context, spec SpawnSpec) (types.ContainerId, error)
	DestroyKernel(ctx context.Context, kernelID types.KernelId, containerID types.ContainerId) error
	CleanKernel(ctx context.Context, kernelID types.KernelId, containerID types.ContainerId, restarting bool) error

	EnumerateContainers(ctx context.Context, statusFilter []ContainerStatus) ([]EnumeratedContainer, error)
	GetContainerStatus(ctx context.Context, containerID types.ContainerId) (ContainerStatus, error)

	// ListImages reports locally present images, polled by the timer set's
	// image-scan task and folded into the next instance_heartbeat.
	ListImages(ctx context.Context) ([]ImageRef, error)

	CreateOverlayNetwork(ctx context.Context, name string) error
	DestroyOverlayNetwork(ctx context.Context, name string) error
	CreateLocalNetwork(ctx context.Context, name string) error
	DestroyLocalNetwork(ctx context.Context, name string) error

	// StreamLogs returns an iterator over a container's log stream, consumed
	// by the log shipper before CleanKernel removes the container.
	StreamLogs(ctx context.Context, containerID types.ContainerId) (LogIterator, error)
}

// LogIterator yields successive byte fragments of a container's combined
// log stream. Next returns io.EOF once the stream is exhausted.
type LogIterator interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}
