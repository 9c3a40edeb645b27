package synth

import (
	"bytes"
	"sort"
	"strconv"

	"github.com/cuemby/slurmsync/pkg/log"
	"github.com/cuemby/slurmsync/pkg/registry"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultClusterName is used when the operator does not name the cluster
	DefaultClusterName = "charmedhpc"
	// DefaultPartitionName holds compute nodes that do not name a partition
	DefaultPartitionName = "batch"
	// DefaultDatabasePort is the accounting daemon's listening port
	DefaultDatabasePort = 6819
	// DefaultGatewayPort is the REST gateway's listening port
	DefaultGatewayPort = 6820
)

// Accounting parameters added when a database endpoint is present
const (
	ParamAccountingStorageType = "AccountingStorageType"
	ParamAccountingStorageHost = "AccountingStorageHost"
	ParamAccountingStoragePort = "AccountingStoragePort"

	accountingStorageSlurmdbd = "accounting_storage/slurmdbd"
)

// Health check parameters added while compute nodes are registered
const (
	ParamHealthCheckProgram   = "HealthCheckProgram"
	ParamHealthCheckInterval  = "HealthCheckInterval"
	ParamHealthCheckNodeState = "HealthCheckNodeState"

	DefaultHealthCheckProgram   = "/usr/sbin/charmed-hpc-nhc-wrapper"
	DefaultHealthCheckInterval  = 600
	DefaultHealthCheckNodeState = "ANY,CYCLE"
)

// DefaultCgroup is the cgroup.conf every cluster starts from. Operator
// settings are merged over it.
func DefaultCgroup() map[string]string {
	return map[string]string{
		"ConstrainCores":     "yes",
		"ConstrainDevices":   "yes",
		"ConstrainRAMSpace":  "yes",
		"ConstrainSwapSpace": "yes",
	}
}

// Options configures a Synthesizer
type Options struct {
	ClusterName      string
	DefaultPartition string
	// Parameters are operator-supplied settings copied into every config.
	// They override derived parameters with the same key.
	Parameters map[string]string
	// Cgroup entries override DefaultCgroup
	Cgroup map[string]string
	// HealthCheckParams are passed to nhc-wrapper on compute nodes
	HealthCheckParams string
}

// Synthesizer derives the canonical cluster configuration from a registry
// snapshot. It holds no mutable state and is safe for concurrent use.
type Synthesizer struct {
	clusterName      string
	defaultPartition string
	parameters       map[string]string
	cgroup           map[string]string
	healthParams     string
	logger           zerolog.Logger
}

// New creates a synthesizer
func New(opts Options) *Synthesizer {
	if opts.ClusterName == "" {
		opts.ClusterName = DefaultClusterName
	}
	if opts.DefaultPartition == "" {
		opts.DefaultPartition = DefaultPartitionName
	}
	params := make(map[string]string, len(opts.Parameters))
	for k, v := range opts.Parameters {
		params[k] = v
	}
	cgroup := DefaultCgroup()
	for k, v := range opts.Cgroup {
		cgroup[k] = v
	}
	return &Synthesizer{
		clusterName:      opts.ClusterName,
		defaultPartition: opts.DefaultPartition,
		parameters:       params,
		cgroup:           cgroup,
		healthParams:     opts.HealthCheckParams,
		logger:           log.WithComponent("synth"),
	}
}

// Synthesize builds the configuration for snapshot at secret generation.
//
// The result depends only on its inputs. When the content equals prev's
// content, prev is returned unchanged with changed=false; otherwise the
// version is prev.Version+1 (or 1 without prev). Zero or several
// authoritative controllers yield *types.NoAuthoritativeControllerError.
func (s *Synthesizer) Synthesize(snap registry.Snapshot, generation uint64, prev *types.ClusterConfig) (types.ClusterConfig, bool, error) {
	auth := snap.Authoritative()
	if len(auth) != 1 {
		claimants := make([]string, 0, len(auth))
		for _, m := range auth {
			claimants = append(claimants, m.ID)
		}
		return types.ClusterConfig{}, false, &types.NoAuthoritativeControllerError{Claimants: claimants}
	}

	cfg := types.ClusterConfig{
		ClusterName:      s.clusterName,
		Controller:       types.ControllerRef{NodeID: auth[0].ID, Address: auth[0].Address},
		SecretGeneration: generation,
		Nodes:            []types.NodeEntry{},
		LoginNodes:       []string{},
		Parameters:       map[string]string{},
		Cgroup:           make(map[string]string, len(s.cgroup)),
	}
	for k, v := range s.cgroup {
		cfg.Cgroup[k] = v
	}

	byPartition := make(map[string][]string)
	for _, m := range snap.ByRole(types.RoleCompute) {
		entry := types.NodeEntry{Name: m.ID, Address: m.Address, Partition: s.defaultPartition}
		if m.Compute != nil {
			if m.Compute.Partition != "" {
				entry.Partition = m.Compute.Partition
			}
			entry.CPUs = m.Compute.CPUs
			entry.RealMemoryMB = m.Compute.RealMemoryMB
			entry.Gres = append([]string(nil), m.Compute.Gres...)
			sort.Strings(entry.Gres)
		}
		cfg.Nodes = append(cfg.Nodes, entry)
		byPartition[entry.Partition] = append(byPartition[entry.Partition], entry.Name)
	}
	cfg.Partitions = s.partitions(byPartition)

	if len(cfg.Nodes) > 0 {
		cfg.HealthCheck = &types.HealthCheck{
			Program:   DefaultHealthCheckProgram,
			Interval:  DefaultHealthCheckInterval,
			NodeState: DefaultHealthCheckNodeState,
			Params:    s.healthParams,
		}
		cfg.Parameters[ParamHealthCheckProgram] = cfg.HealthCheck.Program
		cfg.Parameters[ParamHealthCheckInterval] = strconv.Itoa(cfg.HealthCheck.Interval)
		cfg.Parameters[ParamHealthCheckNodeState] = cfg.HealthCheck.NodeState
	}

	for _, m := range snap.ByRole(types.RoleLogin) {
		cfg.LoginNodes = append(cfg.LoginNodes, m.ID)
	}

	if db := firstActive(snap.ByRole(types.RoleDatabase)); db != nil {
		port := DefaultDatabasePort
		if db.Database != nil && db.Database.Port != 0 {
			port = db.Database.Port
		}
		cfg.Database = &types.Endpoint{NodeID: db.ID, Address: db.Address, Port: port}
		cfg.Parameters[ParamAccountingStorageType] = accountingStorageSlurmdbd
		cfg.Parameters[ParamAccountingStorageHost] = db.Address
		cfg.Parameters[ParamAccountingStoragePort] = strconv.Itoa(port)
	}

	if gw := firstActive(snap.ByRole(types.RoleGateway)); gw != nil {
		port := DefaultGatewayPort
		if gw.Gateway != nil && gw.Gateway.Port != 0 {
			port = gw.Gateway.Port
		}
		cfg.Gateway = &types.Endpoint{NodeID: gw.ID, Address: gw.Address, Port: port}
	}

	for k, v := range s.parameters {
		cfg.Parameters[k] = v
	}

	digest, err := Digest(&cfg)
	if err != nil {
		return types.ClusterConfig{}, false, err
	}

	if prev != nil {
		prevDigest, err := Digest(prev)
		if err != nil {
			return types.ClusterConfig{}, false, err
		}
		if bytes.Equal(prevDigest, digest) {
			out := *prev
			out.Digest = prevDigest
			return out, false, nil
		}
		cfg.Version = prev.Version + 1
	} else {
		cfg.Version = 1
	}
	cfg.Digest = digest

	s.logger.Debug().
		Uint64("version", cfg.Version).
		Uint64("generation", generation).
		Int("nodes", len(cfg.Nodes)).
		Str("controller", cfg.Controller.NodeID).
		Msg("Synthesized new config version")

	return cfg, true, nil
}

// partitions orders partitions by name. The configured default partition is
// marked default when it has nodes; otherwise the first partition is.
func (s *Synthesizer) partitions(byPartition map[string][]string) []types.Partition {
	names := make([]string, 0, len(byPartition))
	for name := range byPartition {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]types.Partition, 0, len(names))
	hasDefault := false
	for _, name := range names {
		p := types.Partition{Name: name, Nodes: byPartition[name], Default: name == s.defaultPartition}
		hasDefault = hasDefault || p.Default
		out = append(out, p)
	}
	if !hasDefault && len(out) > 0 {
		out[0].Default = true
	}
	return out
}

// firstActive returns the lowest-id active member of an ID-ordered list
func firstActive(members []types.Member) *types.Member {
	for i := range members {
		if members[i].Active() {
			return &members[i]
		}
	}
	return nil
}
