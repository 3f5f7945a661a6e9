// Package types holds the data model shared across the agent: kernel
// identity and handles, resource specs, mount plans, lifecycle events, and
// the runner's record/result types. Nothing in this package blocks or
// mutates shared state; the orchestrator and creation pipeline own that.
package types

import (
	"encoding/json"
	"sync"
	"time"
)

// KernelId, SessionId and ContainerId are opaque identifiers compared by
// value. A session groups one or more kernels scheduled together; a kernel
// is bound to exactly one container for its lifetime.
type KernelId string
type SessionId string
type ContainerId string

// ResourceSlots maps a slot name (e.g. "cpu", "mem", "cuda.device") to a
// requested or allocated quantity.
type ResourceSlots map[string]float64

// ClusterRole identifies a kernel's position within its session's cluster.
type ClusterRole string

const (
	ClusterRoleMain   ClusterRole = "main"
	ClusterRoleMaster ClusterRole = "master"
	ClusterRoleWorker ClusterRole = "worker"
)

// MountType distinguishes a plain bind mount from a managed volume.
type MountType string

const (
	MountTypeBind   MountType = "bind"
	MountTypeVolume MountType = "volume"
)

// MountPermission is the access mode granted to the container.
type MountPermission string

const (
	MountReadOnly  MountPermission = "ro"
	MountReadWrite MountPermission = "rw"
)

// Mount describes one bind or volume mount destined for a container spec.
// Order matters: mounts are applied in slice order, so later entries shadow
// earlier ones at the same target.
type Mount struct {
	Type            MountType
	HostSource      string
	ContainerTarget string
	Permission      MountPermission
	IsUnmanaged     bool
	Options         []string
}

// ServicePort is a named app exposed by a kernel.
type ServicePort struct {
	Name           string
	Protocol       string // "tcp", "http", "preopen"
	ContainerPorts []int
	HostPorts      []int
}

// ResourceSpec is the allocation plan for a kernel. Freeze sets a frozen
// flag that Frozen reports; it does not block later writes to the exported
// fields. The spec must be persisted before spawn so a restart can replay it
// without re-deriving allocations.
type ResourceSpec struct {
	mu sync.Mutex

	SlotRequest    ResourceSlots
	PerDeviceAlloc map[string]map[string]ResourceSlots // device-name -> device-id -> slots
	Mounts         []Mount
	ScratchDir     string
	NumericOptions map[string]float64

	frozen bool
}

// Freeze sets the spec's frozen flag. Subsequent calls are no-ops.
func (r *ResourceSpec) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze has been called.
func (r *ResourceSpec) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

// resourceSpecWire is the JSON-serializable mirror of ResourceSpec; the
// mutex can't round-trip and frozen needs an exported name on the wire.
type resourceSpecWire struct {
	SlotRequest    ResourceSlots
	PerDeviceAlloc map[string]map[string]ResourceSlots
	Mounts         []Mount
	ScratchDir     string
	NumericOptions map[string]float64
	Frozen         bool
}

// MarshalJSON persists the spec for kconfig.dat so a restart can replay it
// without re-deriving allocations.
func (r *ResourceSpec) MarshalJSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.Marshal(resourceSpecWire{
		SlotRequest:    r.SlotRequest,
		PerDeviceAlloc: r.PerDeviceAlloc,
		Mounts:         r.Mounts,
		ScratchDir:     r.ScratchDir,
		NumericOptions: r.NumericOptions,
		Frozen:         r.frozen,
	})
}

// UnmarshalJSON restores a spec persisted by MarshalJSON.
func (r *ResourceSpec) UnmarshalJSON(data []byte) error {
	var w resourceSpecWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SlotRequest = w.SlotRequest
	r.PerDeviceAlloc = w.PerDeviceAlloc
	r.Mounts = w.Mounts
	r.ScratchDir = w.ScratchDir
	r.NumericOptions = w.NumericOptions
	r.frozen = w.Frozen
	return nil
}

// Kernel is the registry's handle for a single live kernel. Immutable
// identity fields are set once at creation; live fields are mutated only by
// the orchestrator's single consumer goroutine and by the attached runner
// while servicing I/O.
type Kernel struct {
	// Immutable identity.
	KernelId    KernelId
	SessionId   SessionId
	ContainerId ContainerId
	ClusterRole ClusterRole

	// Live fields, orchestrator-owned.
	KernelHost   string
	ReplInPort   int
	ReplOutPort  int
	StdinPort    int
	StdoutPort   int
	HostPorts    []int
	ServicePorts []ServicePort

	mu     sync.RWMutex
	runner Runner
	spec   *ResourceSpec

	statsEnabled      bool
	terminationReason string

	// One-shot notifiers. CleanEvent fires exactly once, when the CLEAN
	// handler has fully released the kernel. ReconfigEvent fires on a
	// per-kernel reconfiguration request.
	CleanEvent    *OneShot
	ReconfigEvent *OneShot
}

// NewKernel constructs a handle with its notifiers initialized.
func NewKernel(id KernelId, sessionID SessionId, containerID ContainerId, role ClusterRole) *Kernel {
	return &Kernel{
		KernelId:      id,
		SessionId:     sessionID,
		ContainerId:   containerID,
		ClusterRole:   role,
		CleanEvent:    NewOneShot(),
		ReconfigEvent: NewOneShot(),
	}
}

// Runner is the narrow surface the kernel handle needs from its attached
// runner; pkg/runner provides the concrete implementation.
type Runner interface {
	Close() error
}

// SetRunner attaches (or detaches, with nil) the kernel's runner.
func (k *Kernel) SetRunner(r Runner) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.runner = r
}

// GetRunner returns the currently attached runner, or nil if absent.
func (k *Kernel) GetRunner() Runner {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.runner
}

// SetSpec attaches the frozen resource spec the kernel was created with, so
// a later rescan or restart can replay it without re-deriving allocations.
func (k *Kernel) SetSpec(s *ResourceSpec) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.spec = s
}

// Spec returns the kernel's resource spec, or nil if it has none (e.g. a
// handle rebuilt from a registry snapshot).
func (k *Kernel) Spec() *ResourceSpec {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.spec
}

// SetStatsEnabled flips the stats-collection flag.
func (k *Kernel) SetStatsEnabled(v bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.statsEnabled = v
}

// StatsEnabled reports the current stats-collection flag.
func (k *Kernel) StatsEnabled() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.statsEnabled
}

// SetTerminationReason records the reason a kernel is being torn down.
// Once set, a later call is ignored rather than overwriting the first
// reason.
func (k *Kernel) SetTerminationReason(reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.terminationReason == "" {
		k.terminationReason = reason
	}
}

// TerminationReason returns the recorded reason, if any.
func (k *Kernel) TerminationReason() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.terminationReason
}

// OneShot is a send-once, many-wait notifier carrying an optional result
// payload as a proper paired value.
type OneShot struct {
	once   sync.Once
	ch     chan struct{}
	mu     sync.Mutex
	result any
}

// NewOneShot constructs an unfired notifier.
func NewOneShot() *OneShot {
	return &OneShot{ch: make(chan struct{})}
}

// Fire signals the notifier with an attached result. Only the first call
// has effect; later calls are no-ops.
func (o *OneShot) Fire(result any) {
	o.once.Do(func() {
		o.mu.Lock()
		o.result = result
		o.mu.Unlock()
		close(o.ch)
	})
}

// Wait blocks until Fire is called, or done is closed, whichever comes
// first. ok is false if done fired first.
func (o *OneShot) Wait(done <-chan struct{}) (result any, ok bool) {
	select {
	case <-o.ch:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.result, true
	case <-done:
		return nil, false
	}
}

// Done returns the underlying channel for use in select statements.
func (o *OneShot) Done() <-chan struct{} {
	return o.ch
}

// LifecycleEventKind is the kind of transition a ContainerLifecycleEvent
// requests.
type LifecycleEventKind string

const (
	LifecycleStart    LifecycleEventKind = "START"
	LifecycleDestroy  LifecycleEventKind = "DESTROY"
	LifecycleClean    LifecycleEventKind = "CLEAN"
	LifecycleShutdown LifecycleEventKind = "SHUTDOWN" // sentinel; drains and persists
)

// ContainerLifecycleEvent is one transition request consumed by the
// single-writer orchestrator. Events originate from the RPC surface, the
// reconciler, or another handler (e.g. DESTROY on an unknown kernel
// enqueues a follow-up CLEAN).
type ContainerLifecycleEvent struct {
	KernelId    KernelId
	ContainerId ContainerId // may be empty if unknown
	Kind        LifecycleEventKind
	Reason      string
	ExitCode    *int
	Done        *OneShot
}

// RestartTracker coordinates a destroy+recreate cycle for one kernel. At
// most one exists per kernel-id while a restart is in progress.
type RestartTracker struct {
	RequestLock     sync.Mutex
	DestroyComplete *OneShot
	Done            *OneShot
	StartedAt       time.Time
}

// NewRestartTracker constructs a tracker with fresh notifiers.
func NewRestartTracker() *RestartTracker {
	return &RestartTracker{
		DestroyComplete: NewOneShot(),
		Done:            NewOneShot(),
	}
}

// MsgKind is the tag on a single record emitted by the in-container runner.
type MsgKind string

const (
	MsgStdout        MsgKind = "stdout"
	MsgStderr        MsgKind = "stderr"
	MsgMedia         MsgKind = "media"
	MsgHTML          MsgKind = "html"
	MsgLog           MsgKind = "log"
	MsgStatus        MsgKind = "status"
	MsgCompletion    MsgKind = "completion"
	MsgServiceResult MsgKind = "service-result"
	MsgBuildFinished MsgKind = "build-finished"
	MsgCleanFinished MsgKind = "clean-finished"
	MsgFinished      MsgKind = "finished"
	MsgWaitingInput  MsgKind = "waiting-input"
	MsgExecTimeout   MsgKind = "exec-timeout"
)

// RunRecord is a single frame received from the runner on a run's output
// channel.
type RunRecord struct {
	Kind    MsgKind
	Payload []byte
}

// RunStatus is the terminal or continuation status of a get-next-result
// call.
type RunStatus string

const (
	StatusContinued     RunStatus = "continued"
	StatusFinished      RunStatus = "finished"
	StatusCleanFinished RunStatus = "clean-finished"
	StatusBuildFinished RunStatus = "build-finished"
	StatusExecTimeout   RunStatus = "exec-timeout"
	StatusWaitingInput  RunStatus = "waiting-input"
)

// ConsoleItem is one entry of a v2/v3 aggregated console list: consecutive
// stdout or stderr fragments are coalesced before being appended.
type ConsoleItem struct {
	Kind    MsgKind
	Payload string
}

// RunResult is what get_next_result returns: a batch of records aggregated
// for the requesting API version, plus a terminal or continuation status.
type RunResult struct {
	RunId    string
	Status   RunStatus
	ExitCode *int
	Options  map[string]any

	// v1 shape
	Stdout []string
	Stderr []string
	Media  []string
	HTML   []string

	// v2/v3 shape
	Console []ConsoleItem
}
