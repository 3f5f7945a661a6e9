package creation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/kestrelrun/nodeagent/pkg/config"
	"github.com/kestrelrun/nodeagent/pkg/types"
)

var versionSuffix = regexp.MustCompile(`(\d+(\.\d+)*)$`)

// matchKrunnerVolume finds the krunner volume entry whose key shares
// distro's non-numeric prefix and has the highest version among same-prefix
// keys; when distro names a specific version, only keys whose version is at
// most that version qualify.
func matchKrunnerVolume(volumes map[string]string, distro string) (string, string, error) {
	loc := versionSuffix.FindStringIndex(distro)
	var prefix, version string
	if loc == nil {
		prefix = distro
	} else {
		prefix = distro[:loc[0]]
		version = distro[loc[0]:]
	}

	type candidate struct {
		key  string
		path string
		ver  []int
	}
	var candidates []candidate
	for key, path := range volumes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		m := versionSuffix.FindString(key)
		candidates = append(candidates, candidate{key: key, path: path, ver: parseVersion(m)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return compareVersions(candidates[i].ver, candidates[j].ver) > 0
	})

	if len(candidates) == 0 {
		return "", "", fmt.Errorf("krunner volume not found for distro %q", distro)
	}
	if version == "" {
		return candidates[0].key, candidates[0].path, nil
	}
	want := parseVersion(version)
	for _, c := range candidates {
		if compareVersions(c.ver, want) <= 0 {
			return c.key, c.path, nil
		}
	}
	return "", "", fmt.Errorf("krunner volume not found for distro %q", distro)
}

func parseVersion(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, _ := strconv.Atoi(p)
		out[i] = n
	}
	return out
}

func compareVersions(a, b []int) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			return av - bv
		}
	}
	return 0
}

// krunnerOverlay resolves the krunner volume matching req's distro, mounting
// its helper runtime read-only into /opt/kernel and adding its shared
// libraries to LD_PRELOAD. krunnerVersion is currently unused for selection
// (the matching key is distro alone) but is recorded on the mount options
// for observability.
func krunnerOverlay(cfg *config.Config, distro, krunnerVersion string) ([]types.Mount, []string, error) {
	if len(cfg.Container.KrunnerVolumes) == 0 {
		return nil, nil, nil
	}
	_, hostPath, err := matchKrunnerVolume(cfg.Container.KrunnerVolumes, distro)
	if err != nil {
		return nil, nil, err
	}
	mounts := []types.Mount{
		{
			Type:            types.MountTypeVolume,
			HostSource:      hostPath,
			ContainerTarget: "/opt/kernel",
			Permission:      types.MountReadOnly,
			Options:         []string{fmt.Sprintf("krunner-version=%s", krunnerVersion)},
		},
	}
	preload := []string{filepath.Join("/opt/kernel/lib", "libbaihook.so")}
	return mounts, preload, nil
}
