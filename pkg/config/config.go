// Package config loads the slurmsync configuration file.
//
// Configuration is loaded from a single YAML file named by the --config flag
// or the SLURMSYNC_CONFIG environment variable. Values missing from the file
// keep the stock values of Default; command-line flags override both.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/slurmsync/pkg/distribution"
	"github.com/cuemby/slurmsync/pkg/log"
	"github.com/cuemby/slurmsync/pkg/reconciler"
	"github.com/cuemby/slurmsync/pkg/synth"
	"github.com/cuemby/slurmsync/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	// EnvConfig names the environment variable holding the config file path
	EnvConfig = "SLURMSYNC_CONFIG"
	// EnvSealPassphrase, when set, derives the sealing key from a passphrase
	// instead of reading manager.seal_key_file
	EnvSealPassphrase = "SLURMSYNC_SEAL_PASSPHRASE"
)

// Config is the complete configuration of a manager or agent process
type Config struct {
	// NodeID identifies this process. For an agent it is the member's node id.
	NodeID string `yaml:"node_id"`

	// DataDir holds the manager's BoltDB and Raft files
	DataDir string `yaml:"data_dir"`

	Log     LogConfig         `yaml:"log"`
	Manager ManagerConfig     `yaml:"manager"`
	Cluster ClusterConfig     `yaml:"cluster"`
	Policy  reconciler.Policy `yaml:"policy"`
	Agent   AgentConfig       `yaml:"agent"`
}

// LogConfig configures the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ManagerConfig configures the manager process
type ManagerConfig struct {
	// RaftAddr is the Raft transport bind address
	RaftAddr string `yaml:"raft_addr"`
	// APIAddr is the gRPC API listen address
	APIAddr string `yaml:"api_addr"`
	// HTTPAddr serves /ready, /health, /livez and /metrics; empty disables it
	HTTPAddr string `yaml:"http_addr"`
	// Socket is a Unix socket serving the read-only API; empty disables it
	Socket string `yaml:"socket"`
	// Join is the API address of an existing manager; empty bootstraps a new cluster
	Join string `yaml:"join"`
	// Token is the join token issued by the existing cluster's leader
	Token string `yaml:"token"`
	// SealKeyFile holds the key that seals secret generations at rest.
	// It is created on first start and must be identical on every manager.
	SealKeyFile string `yaml:"seal_key_file"`
	// GraceWindow is how long a superseded secret generation stays valid
	GraceWindow time.Duration `yaml:"grace_window"`
	// KeySize is the size in bytes of each secret generation
	KeySize int `yaml:"key_size"`
}

// ClusterConfig holds the cluster-wide inputs of config synthesis
type ClusterConfig struct {
	Name             string            `yaml:"name"`
	DefaultPartition string            `yaml:"default_partition"`
	Parameters       map[string]string `yaml:"parameters"`
	// Cgroup is merged over the default cgroup.conf settings
	Cgroup map[string]string `yaml:"cgroup"`
	// HealthCheckParams are the nhc-wrapper arguments sent to compute nodes
	HealthCheckParams string `yaml:"health_check_params"`
}

// AgentConfig configures the node agent
type AgentConfig struct {
	// ListenAddr is where the agent receives bundles
	ListenAddr string `yaml:"listen_addr"`
	// ManagerAddr is the manager API the agent registers and heartbeats with
	ManagerAddr string `yaml:"manager_addr"`
	// HeartbeatInterval should stay well below the manager's heartbeat timeout
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// MetricsAddr serves /metrics, /health and /ready; empty disables it
	MetricsAddr string `yaml:"metrics_addr"`
	// StateDir holds the applied bundle, key and state marker
	StateDir string `yaml:"state_dir"`

	Role         types.Role `yaml:"role"`
	Address      string     `yaml:"address"`
	Partition    string     `yaml:"partition"`
	CPUs         int        `yaml:"cpus"`
	RealMemoryMB int64      `yaml:"real_memory_mb"`
	Gres         []string   `yaml:"gres"`
	Port         int        `yaml:"port"`
}

// Default returns the stock configuration
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/slurmsync",
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
		Manager: ManagerConfig{
			RaftAddr:    "127.0.0.1:7946",
			APIAddr:     "127.0.0.1:6831",
			HTTPAddr:    "127.0.0.1:6832",
			Socket:      "/var/run/slurmsync.sock",
			SealKeyFile: "/etc/slurmsync/seal.key",
			GraceWindow: time.Hour,
			KeySize:     1024,
		},
		Cluster: ClusterConfig{
			Name:             synth.DefaultClusterName,
			DefaultPartition: synth.DefaultPartitionName,
			Parameters:       map[string]string{},
		},
		Policy: reconciler.Policy{
			RetryBase:        time.Second,
			RetryCeiling:     2 * time.Minute,
			HandoffTimeout:   30 * time.Second,
			PushTimeout:      10 * time.Second,
			HeartbeatTimeout: time.Minute,
			DepartureHold:    24 * time.Hour,
			SweepInterval:    10 * time.Second,
			Workers:          16,
		},
		Agent: AgentConfig{
			ListenAddr:        fmt.Sprintf("0.0.0.0:%d", distribution.DefaultAgentPort),
			ManagerAddr:       "127.0.0.1:6831",
			HeartbeatInterval: 15 * time.Second,
			StateDir:          "/etc/slurm/slurmsync",
		},
	}
}

// Load loads the file named by SLURMSYNC_CONFIG, or returns Default when the
// variable is unset
func Load() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path on top of Default
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Cluster.Parameters == nil {
		cfg.Cluster.Parameters = map[string]string{}
	}
	return cfg, nil
}

// Validate checks the settings every process needs
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	if c.Cluster.Name == "" {
		errs = append(errs, fmt.Errorf("cluster.name is required"))
	}
	if c.Cluster.DefaultPartition == "" {
		errs = append(errs, fmt.Errorf("cluster.default_partition is required"))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Manager.GraceWindow < 0 {
		errs = append(errs, fmt.Errorf("manager.grace_window cannot be negative"))
	}
	if c.Manager.KeySize <= 0 {
		errs = append(errs, fmt.Errorf("manager.key_size must be positive"))
	}

	return errors.Join(errs...)
}

// ValidateAgent checks the settings an agent needs on top of Validate
func (c *Config) ValidateAgent() error {
	var errs []error

	if c.NodeID == "" {
		errs = append(errs, fmt.Errorf("node_id is required"))
	}
	if !c.Agent.Role.Valid() {
		errs = append(errs, fmt.Errorf("agent.role %q is not a valid role", c.Agent.Role))
	}
	if c.Agent.Address == "" {
		errs = append(errs, fmt.Errorf("agent.address is required"))
	}
	if c.Agent.ManagerAddr == "" {
		errs = append(errs, fmt.Errorf("agent.manager_addr is required"))
	}
	if c.Agent.StateDir == "" {
		errs = append(errs, fmt.Errorf("agent.state_dir is required"))
	}
	if c.Agent.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("agent.heartbeat_interval must be positive"))
	} else if c.Agent.HeartbeatInterval >= c.Policy.HeartbeatTimeout {
		errs = append(errs, fmt.Errorf("agent.heartbeat_interval (%s) must be below policy.heartbeat_timeout (%s)",
			c.Agent.HeartbeatInterval, c.Policy.HeartbeatTimeout))
	}

	return errors.Join(errs...)
}

// JoinEvent builds the join notification this agent sends on startup
func (c *Config) JoinEvent() types.MembershipEvent {
	return types.MembershipEvent{
		Action:       types.ActionJoin,
		Role:         c.Agent.Role,
		NodeID:       c.NodeID,
		Address:      c.Agent.Address,
		Partition:    c.Agent.Partition,
		CPUs:         c.Agent.CPUs,
		RealMemoryMB: c.Agent.RealMemoryMB,
		Gres:         c.Agent.Gres,
		Port:         c.Agent.Port,
	}
}

// SynthOptions returns the synthesizer settings
func (c *Config) SynthOptions() synth.Options {
	return synth.Options{
		ClusterName:       c.Cluster.Name,
		DefaultPartition:  c.Cluster.DefaultPartition,
		Parameters:        c.Cluster.Parameters,
		Cgroup:            c.Cluster.Cgroup,
		HealthCheckParams: c.Cluster.HealthCheckParams,
	}
}
