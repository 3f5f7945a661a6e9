// Package registry implements the kernel registry: an in-memory mapping
// from kernel-id to kernel handle, shared-readable but single-writer (the
// orchestrator). Persistence is JSON values in named bbolt buckets: a
// registry snapshot keyed by agent-id for shutdown/restart, and per-kernel
// kconfig.dat / cluster.json blobs for the restart path.
package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/kestrelrun/nodeagent/pkg/types"
)

var (
	bucketSnapshot = []byte("last_registry")
	bucketKConfig  = []byte("kconfig")
	bucketCluster  = []byte("cluster")
	bucketRequest  = []byte("create_request")
)

// KernelSnapshot is the JSON-serializable mirror of a types.Kernel used for
// the on-disk registry snapshot; types.Kernel itself holds mutexes and
// channels that cannot round-trip through JSON.
type KernelSnapshot struct {
	KernelId          types.KernelId
	SessionId         types.SessionId
	ContainerId       types.ContainerId
	ClusterRole       types.ClusterRole
	KernelHost        string
	ReplInPort        int
	ReplOutPort       int
	StdinPort         int
	StdoutPort        int
	HostPorts         []int
	ServicePorts      []types.ServicePort
	StatsEnabled      bool
	TerminationReason string
}

// ToSnapshot captures a Kernel's current state as a plain-data struct.
func ToSnapshot(k *types.Kernel) KernelSnapshot {
	return KernelSnapshot{
		KernelId:          k.KernelId,
		SessionId:         k.SessionId,
		ContainerId:       k.ContainerId,
		ClusterRole:       k.ClusterRole,
		KernelHost:        k.KernelHost,
		ReplInPort:        k.ReplInPort,
		ReplOutPort:       k.ReplOutPort,
		StdinPort:         k.StdinPort,
		StdoutPort:        k.StdoutPort,
		HostPorts:         append([]int(nil), k.HostPorts...),
		ServicePorts:      append([]types.ServicePort(nil), k.ServicePorts...),
		StatsEnabled:      k.StatsEnabled(),
		TerminationReason: k.TerminationReason(),
	}
}

// ToKernel rebuilds a live handle from a snapshot. The runner and resource
// spec are left unattached; the reconciler does not attach either.
func (s KernelSnapshot) ToKernel() *types.Kernel {
	k := types.NewKernel(s.KernelId, s.SessionId, s.ContainerId, s.ClusterRole)
	k.KernelHost = s.KernelHost
	k.ReplInPort = s.ReplInPort
	k.ReplOutPort = s.ReplOutPort
	k.StdinPort = s.StdinPort
	k.StdoutPort = s.StdoutPort
	k.HostPorts = append([]int(nil), s.HostPorts...)
	k.ServicePorts = append([]types.ServicePort(nil), s.ServicePorts...)
	k.SetStatsEnabled(s.StatsEnabled)
	if s.TerminationReason != "" {
		k.SetTerminationReason(s.TerminationReason)
	}
	return k
}

// Registry holds the live kernel set plus the bbolt handle used to persist
// it across restarts.
type Registry struct {
	mu      sync.RWMutex
	kernels map[types.KernelId]*types.Kernel
	agentID string
	db      *bolt.DB
}

// Open opens (creating if absent) the registry's bbolt database under
// dataDir and prepares its buckets.
func Open(dataDir, agentID string) (*Registry, error) {
	dbPath := filepath.Join(dataDir, "agent.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSnapshot, bucketKConfig, bucketCluster, bucketRequest} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Registry{
		kernels: make(map[types.KernelId]*types.Kernel),
		agentID: agentID,
		db:      db,
	}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Put inserts or replaces a kernel handle. CLEAN is the only caller
// expected to ever remove one; Put is for insertion on successful creation
// or on reload from a snapshot.
func (r *Registry) Put(k *types.Kernel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kernels[k.KernelId] = k
}

// Get returns the handle for id, or nil if absent.
func (r *Registry) Get(id types.KernelId) *types.Kernel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kernels[id]
}

// Remove deletes a handle from the registry. Only the CLEAN handler should
// call this.
func (r *Registry) Remove(id types.KernelId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.kernels, id)
}

// List returns a snapshot slice of all currently registered handles.
func (r *Registry) List() []*types.Kernel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Kernel, 0, len(r.kernels))
	for _, k := range r.kernels {
		out = append(out, k)
	}
	return out
}

// Len reports the number of registered kernels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.kernels)
}

// PersistSnapshot serializes the current registry to the bucket entry keyed
// by this agent's id, invoked by the orchestrator on sentinel shutdown.
func (r *Registry) PersistSnapshot() error {
	r.mu.RLock()
	snapshots := make([]KernelSnapshot, 0, len(r.kernels))
	for _, k := range r.kernels {
		snapshots = append(snapshots, ToSnapshot(k))
	}
	r.mu.RUnlock()

	data, err := json.Marshal(snapshots)
	if err != nil {
		return fmt.Errorf("marshal registry snapshot: %w", err)
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		return b.Put([]byte(r.agentID), data)
	})
}

// LoadSnapshot reads back the previous process's registry snapshot for this
// agent-id, if any. Returns an empty slice (not an error) if this agent-id
// never shut down cleanly before.
func (r *Registry) LoadSnapshot() ([]KernelSnapshot, error) {
	var data []byte
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		v := b.Get([]byte(r.agentID))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read registry snapshot: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var snapshots []KernelSnapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return nil, fmt.Errorf("unmarshal registry snapshot: %w", err)
	}
	return snapshots, nil
}

// SaveKConfig persists a kernel's serialized resource spec, written
// unconditionally on every create.
func (r *Registry) SaveKConfig(id types.KernelId, data []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKConfig).Put([]byte(id), data)
	})
}

// LoadKConfig returns the serialized resource spec stored for id by
// SaveKConfig, used by the restart path to reconstruct the kernel's spec.
func (r *Registry) LoadKConfig(id types.KernelId) ([]byte, error) {
	var data []byte
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKConfig).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("no kconfig for kernel %s", id)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// SaveClusterInfo persists cluster.json, written only on first create (not
// on restart).
func (r *Registry) SaveClusterInfo(id types.KernelId, data []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCluster).Put([]byte(id), data)
	})
}

// LoadClusterInfo returns the persisted cluster.json for id.
func (r *Registry) LoadClusterInfo(id types.KernelId) ([]byte, error) {
	var data []byte
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCluster).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("no cluster.json for kernel %s", id)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// SaveCreateRequest persists the full creation request (image, vfolders,
// slot request, distro, ...) a kernel was created with, so the restart
// coordinator (pkg/restart) can reload and patch it without re-deriving
// everything from the frozen resource spec alone.
func (r *Registry) SaveCreateRequest(id types.KernelId, data []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequest).Put([]byte(id), data)
	})
}

// LoadCreateRequest returns the persisted creation request for id.
func (r *Registry) LoadCreateRequest(id types.KernelId) ([]byte, error) {
	var data []byte
	err := r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRequest).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("no persisted create request for kernel %s", id)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}
