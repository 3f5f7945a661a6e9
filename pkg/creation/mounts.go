package creation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kestrelrun/nodeagent/pkg/config"
	"github.com/kestrelrun/nodeagent/pkg/types"
)

const (
	containerWorkDir   = "/home/work"
	containerConfigDir = "/home/config"
	containerIPCDir    = "/opt/kernel/ipc"
)

// intrinsicMounts builds the fixed scratch/ipc/config mounts every kernel
// gets regardless of image or vfolder. The directories are created on the
// host so the backend driver never has to.
func intrinsicMounts(scratchDir string) ([]types.Mount, error) {
	for _, sub := range []string{"", "config", "work", "ipc"} {
		if err := os.MkdirAll(filepath.Join(scratchDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create scratch dir %s: %w", sub, err)
		}
	}
	return []types.Mount{
		{Type: types.MountTypeBind, HostSource: filepath.Join(scratchDir, "work"), ContainerTarget: containerWorkDir, Permission: types.MountReadWrite},
		{Type: types.MountTypeBind, HostSource: filepath.Join(scratchDir, "config"), ContainerTarget: containerConfigDir, Permission: types.MountReadOnly},
		{Type: types.MountTypeBind, HostSource: filepath.Join(scratchDir, "ipc"), ContainerTarget: containerIPCDir, Permission: types.MountReadWrite},
	}, nil
}

// writeScratchFiles drops the per-kernel .bashrc a bootstrapping runner
// expects to find under /home/config (stage 8); no other dotfile or
// environment file is written.
func writeScratchFiles(scratchDir string) error {
	configDir := filepath.Join(scratchDir, "config")
	bashrc := "export PS1='(kernel) \\u@\\h:\\w$ '\nexport PATH=/opt/kernel/bin:$PATH\n"
	if err := os.WriteFile(filepath.Join(configDir, ".bashrc"), []byte(bashrc), 0644); err != nil {
		return fmt.Errorf("write .bashrc: %w", err)
	}
	return nil
}

// installSSHKeypair writes the session's shared cluster keypair into the
// scratch ssh directory (stage 9). The keypair itself is generated once per
// session by the caller and carried in ClusterInfo; a kernel with an empty
// keypair (single-node session) is a no-op.
func installSSHKeypair(scratchDir string, cluster ClusterInfo) error {
	if len(cluster.SSHPrivateKey) == 0 {
		return nil
	}
	sshDir := filepath.Join(scratchDir, "config", ".ssh")
	if err := os.MkdirAll(sshDir, 0700); err != nil {
		return fmt.Errorf("create ssh dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sshDir, "id_cluster"), cluster.SSHPrivateKey, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sshDir, "id_cluster.pub"), cluster.SSHPublicKey, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	authorized := append(append([]byte(nil), cluster.SSHPublicKey...), '\n')
	if err := os.WriteFile(filepath.Join(sshDir, "authorized_keys"), authorized, 0600); err != nil {
		return fmt.Errorf("write authorized_keys: %w", err)
	}
	return nil
}

// GenerateClusterKeypair produces a fresh ed25519 keypair for a multi-node
// session, used by the caller to populate ClusterInfo.SSHPublicKey/
// SSHPrivateKey before the first node's creation. The public half is
// formatted as an authorized_keys line; the private half is the raw seed,
// since this keypair only authenticates cluster-internal node-to-node ssh,
// never an external client.
func GenerateClusterKeypair() (pub, priv []byte, err error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	line := fmt.Sprintf("ssh-ed25519 %s cluster\n", base64.StdEncoding.EncodeToString(pubKey))
	return []byte(line), privKey.Seed(), nil
}

// resolveVFolderMounts turns each requested vfolder into a bind mount under
// /home/work, honoring container.prevent-vfolder-mounts (everything except
// .logs is omitted entirely, so internal-only data such as credentials
// never reaches the container) and MountMap overrides for a non-default
// container target.
func resolveVFolderMounts(cfg *config.Config, reqs []VFolderRequest, mountMap map[string]string) ([]types.Mount, error) {
	var mounts []types.Mount
	for _, vf := range reqs {
		if vf.Name == "" {
			return nil, fmt.Errorf("vfolder request missing name")
		}
		if cfg.Container.PreventVFolderMounts && vf.Name != ".logs" {
			continue
		}

		target := filepath.Join(containerWorkDir, vf.Name)
		if override, ok := mountMap[vf.Name]; ok && override != "" {
			target = filepath.Join(containerWorkDir, override)
		}

		source := vf.HostPath
		unmanaged := source != ""
		if !unmanaged {
			source = filepath.Join(cfg.VFolder.Mount, cfg.VFolder.FSPrefix, vf.Host, vf.ID)
		}

		mounts = append(mounts, types.Mount{
			Type:            types.MountTypeBind,
			HostSource:      source,
			ContainerTarget: target,
			Permission:      vf.Permission,
			IsUnmanaged:     unmanaged,
		})
	}
	return mounts, nil
}

// acceleratorHookMounts bind-mounts one device family's hook libraries
// under randomized /opt/kernel/lib<key><nonce>.so names, returning the
// in-container paths to fold into LD_PRELOAD. injected is shared across
// every device family's call within one creation so a host library exposed
// by more than one family is mounted only once.
func acceleratorHookMounts(deviceKey string, hostPaths []string, injected map[string]struct{}) ([]types.Mount, []string, error) {
	var mounts []types.Mount
	var preload []string
	for _, hostPath := range hostPaths {
		if _, ok := injected[hostPath]; ok {
			continue
		}
		nonce, err := randomHex(6)
		if err != nil {
			return nil, nil, fmt.Errorf("generate hook mount nonce: %w", err)
		}
		target := fmt.Sprintf("/opt/kernel/lib%s%s.so", deviceKey, nonce)
		mounts = append(mounts, types.Mount{
			Type:            types.MountTypeBind,
			HostSource:      hostPath,
			ContainerTarget: target,
			Permission:      types.MountReadOnly,
		})
		preload = append(preload, target)
		injected[hostPath] = struct{}{}
	}
	return mounts, preload, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
