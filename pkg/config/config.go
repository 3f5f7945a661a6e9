// Package config loads the agent's configuration from a YAML file with
// environment-variable overrides; cmd/agentd builds a Config here before
// constructing the agent.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PortRange is an inclusive range of host ports the agent may hand out.
type PortRange struct {
	Low  int `yaml:"low"`
	High int `yaml:"high"`
}

// StatsType selects how container resource usage is sampled.
type StatsType string

const (
	StatsTypeCgroup StatsType = "cgroup"
	StatsTypeDocker StatsType = "docker"
)

// SandboxType selects the launcher prefix used for the in-container entrypoint.
type SandboxType string

const (
	SandboxDocker SandboxType = "docker"
	SandboxJail   SandboxType = "jail"
)

// ContainerConfig groups the options under the container.* namespace.
type ContainerConfig struct {
	PortRange            PortRange         `yaml:"port-range"`
	StatsType            StatsType         `yaml:"stats-type"`
	KernelUID            int               `yaml:"kernel-uid"`
	KernelGID            int               `yaml:"kernel-gid"`
	SandboxType          SandboxType       `yaml:"sandbox-type"`
	JailArgs             []string          `yaml:"jail-args"`
	KrunnerVolumes       map[string]string `yaml:"krunner-volumes"`
	LogChunkSize         int               `yaml:"container-logs.chunk-size"`
	PreventVFolderMounts bool              `yaml:"prevent-vfolder-mounts"`
	ContainerdSocket     string            `yaml:"containerd-socket"`
	CPUCores             int               `yaml:"cpu-cores"`
	MemoryMiB            int64             `yaml:"memory-mib"`
}

// TimersConfig groups the timer set's per-task tick intervals, all in
// seconds; a zero heartbeat, stats or image-scan interval disables that task
// (pkg/timers.Set skips it), while a zero reconcile interval makes the
// reconciler use its 10s default.
type TimersConfig struct {
	HeartbeatSeconds int `yaml:"heartbeat-seconds"`
	StatsSeconds     int `yaml:"stats-seconds"`
	ImageScanSeconds int `yaml:"image-scan-seconds"`
	ReconcileSeconds int `yaml:"reconcile-seconds"`
}

// HeartbeatInterval, StatsInterval, ImageScanInterval and ReconcileInterval
// convert the configured second counts to time.Duration for pkg/agent's
// wiring.
func (t TimersConfig) HeartbeatInterval() time.Duration {
	return time.Duration(t.HeartbeatSeconds) * time.Second
}
func (t TimersConfig) StatsInterval() time.Duration {
	return time.Duration(t.StatsSeconds) * time.Second
}
func (t TimersConfig) ImageScanInterval() time.Duration {
	return time.Duration(t.ImageScanSeconds) * time.Second
}
func (t TimersConfig) ReconcileInterval() time.Duration {
	return time.Duration(t.ReconcileSeconds) * time.Second
}

// VFolderConfig groups vfolder.* options.
type VFolderConfig struct {
	Mount    string `yaml:"mount"`
	FSPrefix string `yaml:"fsprefix"`
}

// RedisConfig groups redis.* bus endpoint options.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

// AgentIdentity groups agent.* options.
type AgentIdentity struct {
	RPCListenAddr string `yaml:"rpc-listen-addr"`
	Region        string `yaml:"region"`
	ScalingGroup  string `yaml:"scaling-group"`
	ID            string `yaml:"id"`
}

// DebugConfig groups debug.* verbosity toggles.
type DebugConfig struct {
	LogStats      bool `yaml:"log-stats"`
	LogHeartbeats bool `yaml:"log-heartbeats"`
}

// Config is the agent's full recognized configuration surface.
type Config struct {
	Container ContainerConfig `yaml:"container"`
	VFolder   VFolderConfig   `yaml:"vfolder"`
	Redis     RedisConfig     `yaml:"redis"`
	Agent     AgentIdentity   `yaml:"agent"`
	Debug     DebugConfig     `yaml:"debug"`
	Timers    TimersConfig    `yaml:"timers"`
	DataDir   string          `yaml:"data-dir"`
}

// Default returns a Config populated with conservative defaults suitable
// for a single-node deployment.
func Default() *Config {
	return &Config{
		Container: ContainerConfig{
			PortRange:    PortRange{Low: 30000, High: 31000},
			StatsType:    StatsTypeCgroup,
			SandboxType:  SandboxDocker,
			LogChunkSize: 64 * 1024,
			MemoryMiB:    8192,
		},
		VFolder: VFolderConfig{
			Mount:    "/vfroot",
			FSPrefix: "",
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Agent: AgentIdentity{
			RPCListenAddr: "0.0.0.0:6001",
		},
		Timers: TimersConfig{
			HeartbeatSeconds: 10,
			StatsSeconds:     5,
			ImageScanSeconds: 60,
			ReconcileSeconds: 10,
		},
		DataDir: "/var/lib/agent",
	}
}

// Load reads a YAML config file, applies it over Default, then applies
// AGENT_-prefixed environment overrides for the handful of options operators
// most often need to override without editing the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENT_ID"); v != "" {
		cfg.Agent.ID = v
	}
	if v := os.Getenv("AGENT_RPC_LISTEN_ADDR"); v != "" {
		cfg.Agent.RPCListenAddr = v
	}
	if v := os.Getenv("AGENT_REGION"); v != "" {
		cfg.Agent.Region = v
	}
	if v := os.Getenv("AGENT_SCALING_GROUP"); v != "" {
		cfg.Agent.ScalingGroup = v
	}
	if v := os.Getenv("AGENT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGENT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AGENT_CONTAINERD_SOCKET"); v != "" {
		cfg.Container.ContainerdSocket = v
	}
	if v := os.Getenv("AGENT_CONTAINER_PORT_RANGE"); v != "" {
		if low, high, err := parsePortRange(v); err == nil {
			cfg.Container.PortRange = PortRange{Low: low, High: high}
		}
	}
}

func parsePortRange(s string) (low, high int, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid port range %q, want LOW-HIGH", s)
	}
	low, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	high, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return low, high, nil
}

// Validate checks the invariants the rest of the agent assumes hold.
func (c *Config) Validate() error {
	if c.Container.PortRange.Low <= 0 || c.Container.PortRange.High <= 0 {
		return fmt.Errorf("container.port-range must be positive, got %d-%d", c.Container.PortRange.Low, c.Container.PortRange.High)
	}
	if c.Container.PortRange.Low > c.Container.PortRange.High {
		return fmt.Errorf("container.port-range low (%d) exceeds high (%d)", c.Container.PortRange.Low, c.Container.PortRange.High)
	}
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	switch c.Container.StatsType {
	case StatsTypeCgroup, StatsTypeDocker:
	default:
		return fmt.Errorf("container.stats-type must be cgroup or docker, got %q", c.Container.StatsType)
	}
	switch c.Container.SandboxType {
	case SandboxDocker, SandboxJail:
	default:
		return fmt.Errorf("container.sandbox-type must be docker or jail, got %q", c.Container.SandboxType)
	}
	return nil
}
