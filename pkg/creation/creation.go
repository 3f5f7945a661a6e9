// Package creation implements the kernel creation pipeline: the strictly
// ordered stage sequence that turns a CreateRequest into a running kernel
// container, reserving resources, assembling the mount plan, and spawning
// through the backend driver. Any failure before spawn succeeds releases
// reservations made earlier in the same call.
package creation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kestrelrun/nodeagent/pkg/backend"
	"github.com/kestrelrun/nodeagent/pkg/config"
	"github.com/kestrelrun/nodeagent/pkg/devices"
	"github.com/kestrelrun/nodeagent/pkg/events"
	"github.com/kestrelrun/nodeagent/pkg/log"
	"github.com/kestrelrun/nodeagent/pkg/metrics"
	"github.com/kestrelrun/nodeagent/pkg/ports"
	"github.com/kestrelrun/nodeagent/pkg/registry"
	"github.com/kestrelrun/nodeagent/pkg/types"
)

// Fixed container-side port assignments.
const (
	ReplInContainerPort  = 2000
	ReplOutContainerPort = 2001
	SSHContainerPort     = 2200
	TTYDContainerPort    = 7681
)

const bootstrapPollInterval = 200 * time.Millisecond

// VFolderRequest describes one managed or unmanaged volume folder to mount
// into the kernel.
type VFolderRequest struct {
	Name       string
	Host       string
	ID         string
	Permission types.MountPermission
	HostPath   string // set only for an unmanaged, already-resolved bind source
}

// ClusterInfo is the session's cluster topology and credentials, persisted
// to cluster.json only on first create.
type ClusterInfo struct {
	SessionID     string
	NetworkName   string
	SSHPublicKey  []byte
	SSHPrivateKey []byte
}

// CreateRequest is everything the creation pipeline needs to assemble and
// spawn one kernel.
type CreateRequest struct {
	KernelId    types.KernelId
	SessionId   types.SessionId
	ClusterRole types.ClusterRole

	Image       string
	ImageDigest string
	ImagePolicy backend.ImagePolicy
	ImageLabels map[string]string // e.g. "service-ports", "envs.corecount", "features"

	SlotRequest  types.ResourceSlots
	ResourceOpts map[string]float64

	VFolders     []VFolderRequest
	MountMap     map[string]string // vfolder name -> override container target under /home/work/
	Cluster      ClusterInfo
	PreOpenPorts []int

	Distro         string
	Arch           string
	KrunnerVersion string

	Restarting bool
}

// CreationResult is returned to the create_kernel caller on success.
type CreationResult struct {
	KernelId     types.KernelId
	ContainerId  types.ContainerId
	KernelHost   string
	ReplInPort   int
	ReplOutPort  int
	StdinPort    int
	StdoutPort   int
	HostPorts    []int
	ServicePorts []types.ServicePort

	AttachedDevices map[string]map[string]types.ResourceSlots // device-name -> device-id -> slots
	ResourceSpec    *types.ResourceSpec
}

// Pipeline owns the collaborators the creation stages call into. ResourceMu
// is shared with the orchestrator so slot reservation and port acquisition
// never race with the release of a kernel's resources during CLEAN.
type Pipeline struct {
	Devices    *devices.Registry
	Ports      *ports.Pool
	Registry   *registry.Registry
	Backend    backend.Driver
	Config     *config.Config
	Producer   *events.Producer
	ResourceMu *sync.Mutex

	KernelHost string // advertised host for REPL/service connections
}

// Create runs the full staged pipeline. On any error prior to a successful
// Spawn, all reservations made within this call (slots and ports) are
// released before returning.
func (p *Pipeline) Create(ctx context.Context, req CreateRequest) (*CreationResult, error) {
	logger := log.WithKernelID(string(req.KernelId))
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.KernelCreateDuration)

	var releasePorts []int
	var releaseSlots []string // device-name contexts to release on p.Devices maps
	rollback := func() {
		for _, port := range releasePorts {
			p.Ports.Release(port)
		}
		for _, deviceName := range releaseSlots {
			if m := p.Devices.Map(deviceName); m != nil {
				m.Release(string(req.KernelId))
			}
		}
	}
	fail := func(stage string, err error) (*CreationResult, error) {
		rollback()
		metrics.KernelsCreateFailedTotal.WithLabelValues(stage).Inc()
		logger.Error().Err(err).Str("stage", stage).Msg("kernel creation failed")
		return nil, fmt.Errorf("creation stage %s: %w", stage, err)
	}

	// Stage 2: publish kernel_preparing, unless restarting.
	if !req.Restarting {
		p.Producer.ProduceEvent("kernel_preparing", map[string]any{"kernel_id": string(req.KernelId)})
	}

	// Stage 3: image availability.
	needsPull, err := p.Backend.CheckImage(ctx, req.Image, req.ImageDigest, req.ImagePolicy)
	if err != nil {
		return fail("check_image", err)
	}
	if needsPull {
		p.Producer.ProduceEvent("kernel_pulling", map[string]any{"kernel_id": string(req.KernelId), "image": req.Image})
		if err := p.Backend.PullImage(ctx, req.Image); err != nil {
			return fail("pull_image", err)
		}
	}

	// Stage 4: publish kernel_creating.
	p.Producer.ProduceEvent("kernel_creating", map[string]any{"kernel_id": string(req.KernelId)})

	// Stage 5: prepare resource spec (fresh or replayed from kconfig.dat).
	spec, err := p.prepareResourceSpec(req)
	if err != nil {
		return fail("prepare_resource_spec", err)
	}

	// Stage 6: intrinsic mounts.
	scratchDir := p.scratchDir(req.KernelId)
	intrinsic, err := intrinsicMounts(scratchDir)
	if err != nil {
		return fail("intrinsic_mounts", err)
	}
	spec.Mounts = append(spec.Mounts, intrinsic...)
	spec.ScratchDir = scratchDir

	// Stage 7: slot allocation, under the resource mutex.
	p.ResourceMu.Lock()
	attached, err := p.allocateSlots(req, spec, &releaseSlots)
	p.ResourceMu.Unlock()
	if err != nil {
		return fail("allocate", err)
	}

	// Stage 8: scratch preparation (config files, dotfiles).
	if err := writeScratchFiles(scratchDir); err != nil {
		return fail("prepare_scratch", err)
	}

	// Stage 9: network + ssh keypair.
	networkName := req.Cluster.NetworkName
	if networkName == "" {
		networkName = fmt.Sprintf("kernel-%s", req.KernelId)
	}
	if req.ClusterRole == types.ClusterRoleMain || req.ClusterRole == types.ClusterRoleMaster {
		err = p.Backend.CreateOverlayNetwork(ctx, networkName)
	} else {
		err = p.Backend.CreateLocalNetwork(ctx, networkName)
	}
	if err != nil {
		return fail("apply_network", err)
	}
	if err := installSSHKeypair(scratchDir, req.Cluster); err != nil {
		return fail("install_ssh_keypair", err)
	}

	// Stage 10: vfolder mounts.
	vfolderMounts, err := resolveVFolderMounts(p.Config, req.VFolders, req.MountMap)
	if err != nil {
		return fail("vfolder_mounts", err)
	}
	spec.Mounts = append(spec.Mounts, vfolderMounts...)

	// Stage 11: krunner overlay.
	krunnerMounts, ldPreload, err := krunnerOverlay(p.Config, req.Distro, req.KrunnerVersion)
	if err != nil {
		return fail("krunner_overlay", err)
	}
	spec.Mounts = append(spec.Mounts, krunnerMounts...)

	env := map[string]string{}

	// Stage 12: accelerator hooks. injectedHooks spans all device families
	// so a hook library shared between them is mounted once.
	injectedHooks := make(map[string]struct{})
	for deviceName, perDevice := range attached {
		plugin := p.Devices.Plugin(deviceName)
		if plugin == nil {
			continue
		}
		hasAlloc := false
		for _, slots := range perDevice {
			for _, amt := range slots {
				if amt > 0 {
					hasAlloc = true
				}
			}
		}
		if !hasAlloc {
			continue
		}
		hookPaths, err := plugin.Hooks(req.Distro, req.Arch)
		if err != nil {
			return fail("accelerator_hooks", err)
		}
		hookMounts, preload, err := acceleratorHookMounts(deviceName, hookPaths, injectedHooks)
		if err != nil {
			return fail("accelerator_hooks", err)
		}
		spec.Mounts = append(spec.Mounts, hookMounts...)
		ldPreload = append(ldPreload, preload...)
	}
	if len(ldPreload) > 0 {
		env["LD_PRELOAD"] = strings.Join(ldPreload, ":")
	}

	// Stage 13: core-count envs.
	if names := req.ImageLabels["envs.corecount"]; names != "" {
		cores := allocatedSlot(attached, "cpu")
		coreStr := strconv.FormatFloat(cores, 'f', -1, 64)
		for _, name := range strings.Split(names, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				env[name] = coreStr
			}
		}
	}

	// Stage 14: port plan. declaredPorts holds the image's labeled service
	// ports with container-side numbers only; host ports are filled in
	// below once acquired, in the same order they appear in exposed.
	isHead := req.ClusterRole == types.ClusterRoleMain || req.ClusterRole == types.ClusterRoleMaster
	declaredPorts := parseServicePorts(req.ImageLabels["service-ports"])

	exposed := []int{ReplInContainerPort, ReplOutContainerPort}
	if isHead {
		exposed = append(exposed, SSHContainerPort, TTYDContainerPort)
	}
	for _, sp := range declaredPorts {
		exposed = append(exposed, sp.ContainerPorts...)
	}
	exposed = append(exposed, req.PreOpenPorts...)

	p.ResourceMu.Lock()
	hostPorts, err := p.Ports.AcquireN(len(exposed))
	p.ResourceMu.Unlock()
	if err != nil {
		return fail("port_plan", err)
	}
	releasePorts = append(releasePorts, hostPorts...)

	var servicePorts []types.ServicePort
	cursor := 2
	if isHead {
		servicePorts = append(servicePorts,
			types.ServicePort{Name: "sshd", Protocol: "tcp", ContainerPorts: []int{SSHContainerPort}, HostPorts: []int{hostPorts[cursor]}},
			types.ServicePort{Name: "ttyd", Protocol: "http", ContainerPorts: []int{TTYDContainerPort}, HostPorts: []int{hostPorts[cursor+1]}},
		)
		cursor += 2
	}
	for _, sp := range declaredPorts {
		n := len(sp.ContainerPorts)
		sp.HostPorts = append([]int(nil), hostPorts[cursor:cursor+n]...)
		servicePorts = append(servicePorts, sp)
		cursor += n
	}
	for i, containerPort := range req.PreOpenPorts {
		servicePorts = append(servicePorts, types.ServicePort{
			Name:           fmt.Sprintf("preopen-%d", containerPort),
			Protocol:       "preopen",
			ContainerPorts: []int{containerPort},
			HostPorts:      []int{hostPorts[cursor+i]},
		})
	}

	// Stage 15: persist.
	spec.Freeze()
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return fail("persist", err)
	}
	if err := p.Registry.SaveKConfig(req.KernelId, specJSON); err != nil {
		return fail("persist", err)
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fail("persist", err)
	}
	if err := p.Registry.SaveCreateRequest(req.KernelId, reqJSON); err != nil {
		return fail("persist", err)
	}
	if !req.Restarting {
		clusterJSON, err := json.Marshal(req.Cluster)
		if err != nil {
			return fail("persist", err)
		}
		if err := p.Registry.SaveClusterInfo(req.KernelId, clusterJSON); err != nil {
			return fail("persist", err)
		}
	}

	// Stage 16: spawn.
	spawnEnv := make([]string, 0, len(env)+len(req.ImageLabels))
	for k, v := range env {
		spawnEnv = append(spawnEnv, fmt.Sprintf("%s=%s", k, v))
	}
	containerID, err := p.Backend.Spawn(ctx, backend.SpawnSpec{
		KernelId:      req.KernelId,
		ContainerName: string(req.KernelId),
		Image:         req.Image,
		Env:           spawnEnv,
		Mounts:        spec.Mounts,
		CPUCores:      allocatedSlot(attached, "cpu"),
		MemoryBytes:   int64(allocatedSlot(attached, "mem") * 1024 * 1024),
		ExposedPorts:  exposed,
		Labels:        map[string]string{"session-id": string(req.SessionId)},
	})
	if err != nil {
		return fail("spawn", err)
	}

	kernel := types.NewKernel(req.KernelId, req.SessionId, containerID, req.ClusterRole)
	kernel.KernelHost = p.KernelHost
	kernel.ReplInPort = hostPorts[0]
	kernel.ReplOutPort = hostPorts[1]
	kernel.StdinPort = hostPorts[0]
	kernel.StdoutPort = hostPorts[1]
	kernel.HostPorts = append([]int(nil), hostPorts...)
	kernel.ServicePorts = servicePorts
	kernel.SetSpec(spec)

	logger.Info().
		Str("container_id", string(containerID)).
		Int("repl_in", kernel.ReplInPort).
		Int("repl_out", kernel.ReplOutPort).
		Msg("kernel container spawned")

	// Stage 17: post-spawn bootstrap check.
	if err := p.awaitBootstrap(ctx, containerID); err != nil {
		logger.Warn().Err(err).Msg("bootstrap status check did not complete cleanly")
	}

	p.Registry.Put(kernel)
	metrics.KernelsCreatedTotal.Inc()

	// Stage 18: return.
	return &CreationResult{
		KernelId:        req.KernelId,
		ContainerId:     containerID,
		KernelHost:      kernel.KernelHost,
		ReplInPort:      kernel.ReplInPort,
		ReplOutPort:     kernel.ReplOutPort,
		StdinPort:       kernel.StdinPort,
		StdoutPort:      kernel.StdoutPort,
		HostPorts:       kernel.HostPorts,
		ServicePorts:    kernel.ServicePorts,
		AttachedDevices: attached,
		ResourceSpec:    spec,
	}, nil
}

// prepareResourceSpec derives a fresh spec from the request's slot request,
// or replays a previously persisted one on the restart path.
func (p *Pipeline) prepareResourceSpec(req CreateRequest) (*types.ResourceSpec, error) {
	if req.Restarting {
		data, err := p.Registry.LoadKConfig(req.KernelId)
		if err != nil {
			return nil, fmt.Errorf("load persisted kconfig: %w", err)
		}
		var spec types.ResourceSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("unmarshal persisted kconfig: %w", err)
		}
		spec.Mounts = nil // mounts are recomputed fresh every create, including restart
		return &spec, nil
	}
	return &types.ResourceSpec{
		SlotRequest:    req.SlotRequest,
		PerDeviceAlloc: make(map[string]map[string]types.ResourceSlots),
		NumericOptions: req.ResourceOpts,
	}, nil
}

// allocateSlots reserves every slot in spec.SlotRequest across the owning
// device family's allocation map, rolling back everything allocated in this
// call (via releaseSlots) if any slot cannot be satisfied.
func (p *Pipeline) allocateSlots(req CreateRequest, spec *types.ResourceSpec, releaseSlots *[]string) (map[string]map[string]types.ResourceSlots, error) {
	byDevice := make(map[string]types.ResourceSlots)
	for slot, want := range req.SlotRequest {
		deviceName, ok := p.Devices.SlotOwner(slot)
		if !ok {
			return nil, fmt.Errorf("no compute device owns slot %q", slot)
		}
		if byDevice[deviceName] == nil {
			byDevice[deviceName] = make(types.ResourceSlots)
		}
		byDevice[deviceName][slot] = want
	}

	attached := make(map[string]map[string]types.ResourceSlots)
	for deviceName, slots := range byDevice {
		m := p.Devices.Map(deviceName)
		if m == nil {
			return nil, fmt.Errorf("no allocation map for device family %q", deviceName)
		}
		alloc, err := m.Allocate(string(req.KernelId), slots)
		if err != nil {
			return nil, err
		}
		*releaseSlots = append(*releaseSlots, deviceName)
		attached[deviceName] = alloc
		if spec.PerDeviceAlloc[deviceName] == nil {
			spec.PerDeviceAlloc[deviceName] = make(map[string]types.ResourceSlots)
		}
		for devID, devSlots := range alloc {
			spec.PerDeviceAlloc[deviceName][devID] = devSlots
		}
	}
	return attached, nil
}

func (p *Pipeline) scratchDir(id types.KernelId) string {
	return fmt.Sprintf("%s/scratch/%s", p.Config.DataDir, id)
}

// awaitBootstrap polls the backend for a running container status as a
// stand-in for kernel.check_status(); real bootstraps are observed through
// the runner's duplex channel once attached (pkg/runner).
func (p *Pipeline) awaitBootstrap(ctx context.Context, containerID types.ContainerId) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := p.Backend.GetContainerStatus(ctx, containerID)
		if err == nil && status == backend.ContainerRunning {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return err
			}
			return fmt.Errorf("container %s did not reach running status", containerID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bootstrapPollInterval):
		}
	}
}

func allocatedSlot(attached map[string]map[string]types.ResourceSlots, slot string) float64 {
	var total float64
	for _, perDevice := range attached {
		for _, slots := range perDevice {
			total += slots[slot]
		}
	}
	return total
}

func parseServicePorts(label string) []types.ServicePort {
	if label == "" {
		return nil
	}
	var out []types.ServicePort
	// Image labels encode service ports as "name:protocol:containerPort,..."
	for _, entry := range strings.Split(label, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			continue
		}
		port, err := strconv.Atoi(parts[2])
		if err != nil {
			continue
		}
		out = append(out, types.ServicePort{
			Name:           parts[0],
			Protocol:       parts[1],
			ContainerPorts: []int{port},
		})
	}
	return out
}
