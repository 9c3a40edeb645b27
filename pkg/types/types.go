package types

import (
	"fmt"
	"time"
)

// Role identifies which daemon a member runs
type Role string

const (
	RoleController Role = "controller"
	RoleCompute    Role = "compute"
	RoleDatabase   Role = "database"
	RoleLogin      Role = "login"
	RoleGateway    Role = "gateway"
)

// Roles lists every known role in a stable order
var Roles = []Role{RoleController, RoleCompute, RoleDatabase, RoleLogin, RoleGateway}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// MemberState is the liveness state of a registered member
type MemberState string

const (
	MemberStateActive MemberState = "active"
	// MemberStatePresumedDeparted marks a member that missed heartbeats. It is
	// held in the registry until the departure hold expires so a flapping node
	// does not churn the synthesized topology.
	MemberStatePresumedDeparted MemberState = "presumed-departed"
)

// Member represents a registered node playing one cluster role.
//
// Exactly one of the role-specific pointers is set and it must match Role.
type Member struct {
	ID                string
	Role              Role
	Address           string
	AppliedVersion    uint64
	AppliedGeneration uint64
	Ready             bool
	State             MemberState
	LastHeartbeat     time.Time
	DepartedAt        time.Time
	RegisteredAt      time.Time

	Controller *ControllerSpec `json:",omitempty"`
	Compute    *ComputeSpec    `json:",omitempty"`
	Database   *DatabaseSpec   `json:",omitempty"`
	Login      *LoginSpec      `json:",omitempty"`
	Gateway    *GatewaySpec    `json:",omitempty"`
}

// ControllerSpec holds controller-only fields
type ControllerSpec struct {
	Authoritative bool
}

// ComputeSpec holds compute-node fields that feed the node topology
type ComputeSpec struct {
	Partition    string
	CPUs         int
	RealMemoryMB int64
	Gres         []string
}

// DatabaseSpec holds accounting database fields
type DatabaseSpec struct {
	Port int
}

// LoginSpec holds login-node fields
type LoginSpec struct{}

// GatewaySpec holds REST gateway fields
type GatewaySpec struct {
	Port int
}

// Authoritative reports whether the member is a controller holding authority
func (m *Member) Authoritative() bool {
	return m.Role == RoleController && m.Controller != nil && m.Controller.Authoritative
}

// Active reports whether the member is neither presumed-departed nor removed
func (m *Member) Active() bool {
	return m.State == MemberStateActive
}

// Normalize fills in the role variant when it is missing
func (m *Member) Normalize() {
	switch m.Role {
	case RoleController:
		if m.Controller == nil {
			m.Controller = &ControllerSpec{}
		}
	case RoleCompute:
		if m.Compute == nil {
			m.Compute = &ComputeSpec{}
		}
	case RoleDatabase:
		if m.Database == nil {
			m.Database = &DatabaseSpec{}
		}
	case RoleLogin:
		if m.Login == nil {
			m.Login = &LoginSpec{}
		}
	case RoleGateway:
		if m.Gateway == nil {
			m.Gateway = &GatewaySpec{}
		}
	}
}

// Validate checks identity fields and that the role variant matches Role
func (m *Member) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("member id cannot be empty")
	}
	if !m.Role.Valid() {
		return fmt.Errorf("member %s: unknown role %q", m.ID, m.Role)
	}
	if m.Address == "" {
		return fmt.Errorf("member %s: address cannot be empty", m.ID)
	}

	set := 0
	var variant Role
	if m.Controller != nil {
		set++
		variant = RoleController
	}
	if m.Compute != nil {
		set++
		variant = RoleCompute
	}
	if m.Database != nil {
		set++
		variant = RoleDatabase
	}
	if m.Login != nil {
		set++
		variant = RoleLogin
	}
	if m.Gateway != nil {
		set++
		variant = RoleGateway
	}
	if set > 1 {
		return fmt.Errorf("member %s: more than one role variant set", m.ID)
	}
	if set == 1 && variant != m.Role {
		return fmt.Errorf("member %s: role %s carries %s fields", m.ID, m.Role, variant)
	}
	return nil
}

// Clone returns a deep copy of the member
func (m *Member) Clone() *Member {
	c := *m
	if m.Controller != nil {
		spec := *m.Controller
		c.Controller = &spec
	}
	if m.Compute != nil {
		spec := *m.Compute
		spec.Gres = append([]string(nil), m.Compute.Gres...)
		c.Compute = &spec
	}
	if m.Database != nil {
		spec := *m.Database
		c.Database = &spec
	}
	if m.Login != nil {
		spec := *m.Login
		c.Login = &spec
	}
	if m.Gateway != nil {
		spec := *m.Gateway
		c.Gateway = &spec
	}
	return &c
}

// ClusterSecret is one generation of the shared authentication key
type ClusterSecret struct {
	Key []byte
	// JWTKey signs slurmrestd and scontrol tokens. It rotates with Key and
	// only reaches controllers and the accounting database.
	JWTKey     []byte
	Generation uint64
	CreatedAt  time.Time
	// SupersededAt is zero while the generation is current
	SupersededAt time.Time
}

// Current reports whether the generation has not been superseded
func (s *ClusterSecret) Current() bool {
	return s.SupersededAt.IsZero()
}

// ClusterConfig is a published, immutable cluster configuration document.
//
// Field order and tags are part of the canonical encoding; do not reorder.
type ClusterConfig struct {
	Version          uint64            `cbor:"1,keyasint" json:"version" yaml:"version"`
	ClusterName      string            `cbor:"2,keyasint" json:"cluster_name" yaml:"cluster_name"`
	Controller       ControllerRef     `cbor:"3,keyasint" json:"controller" yaml:"controller"`
	Nodes            []NodeEntry       `cbor:"4,keyasint" json:"nodes" yaml:"nodes"`
	Partitions       []Partition       `cbor:"5,keyasint" json:"partitions" yaml:"partitions"`
	LoginNodes       []string          `cbor:"6,keyasint" json:"login_nodes" yaml:"login_nodes"`
	Database         *Endpoint         `cbor:"7,keyasint,omitempty" json:"database,omitempty" yaml:"database,omitempty"`
	Gateway          *Endpoint         `cbor:"8,keyasint,omitempty" json:"gateway,omitempty" yaml:"gateway,omitempty"`
	SecretGeneration uint64            `cbor:"9,keyasint" json:"secret_generation" yaml:"secret_generation"`
	Parameters       map[string]string `cbor:"10,keyasint" json:"parameters" yaml:"parameters"`
	Cgroup           map[string]string `cbor:"11,keyasint,omitempty" json:"cgroup,omitempty" yaml:"cgroup,omitempty"`
	HealthCheck      *HealthCheck      `cbor:"12,keyasint,omitempty" json:"health_check,omitempty" yaml:"health_check,omitempty"`

	// Digest is the blake3 hash of the canonical content, version excluded
	Digest []byte `cbor:"-" json:"digest" yaml:"-"`
}

// ControllerRef names the authoritative controller
type ControllerRef struct {
	NodeID  string `cbor:"1,keyasint" json:"node_id" yaml:"node_id"`
	Address string `cbor:"2,keyasint" json:"address" yaml:"address"`
}

// NodeEntry is one compute node in the synthesized topology
type NodeEntry struct {
	Name         string   `cbor:"1,keyasint" json:"name" yaml:"name"`
	Address      string   `cbor:"2,keyasint" json:"address" yaml:"address"`
	Partition    string   `cbor:"3,keyasint" json:"partition" yaml:"partition"`
	CPUs         int      `cbor:"4,keyasint" json:"cpus" yaml:"cpus"`
	RealMemoryMB int64    `cbor:"5,keyasint" json:"real_memory_mb" yaml:"real_memory_mb"`
	Gres         []string `cbor:"6,keyasint" json:"gres,omitempty" yaml:"gres,omitempty"`
}

// Partition groups compute nodes
type Partition struct {
	Name    string   `cbor:"1,keyasint" json:"name" yaml:"name"`
	Nodes   []string `cbor:"2,keyasint" json:"nodes" yaml:"nodes"`
	Default bool     `cbor:"3,keyasint" json:"default" yaml:"default"`
}

// HealthCheck configures node health checking on compute nodes. Program,
// Interval and NodeState become slurm.conf parameters; Params are the
// arguments compute nodes pass to nhc-wrapper.
type HealthCheck struct {
	Program   string `cbor:"1,keyasint" json:"program" yaml:"program"`
	Interval  int    `cbor:"2,keyasint" json:"interval" yaml:"interval"`
	NodeState string `cbor:"3,keyasint" json:"node_state" yaml:"node_state"`
	Params    string `cbor:"4,keyasint,omitempty" json:"params,omitempty" yaml:"params,omitempty"`
}

// Endpoint is a host:port pair owned by a single member
type Endpoint struct {
	NodeID  string `cbor:"1,keyasint" json:"node_id" yaml:"node_id"`
	Address string `cbor:"2,keyasint" json:"address" yaml:"address"`
	Port    int    `cbor:"3,keyasint" json:"port" yaml:"port"`
}

// Target is the (config version, secret generation) pair a member must reach
type Target struct {
	Version    uint64
	Generation uint64
}

// Less orders targets by version first, then generation
func (t Target) Less(o Target) bool {
	if t.Version != o.Version {
		return t.Version < o.Version
	}
	return t.Generation < o.Generation
}

func (t Target) String() string {
	return fmt.Sprintf("v%d/g%d", t.Version, t.Generation)
}

// TaskState is the state of a per-member reconciliation task
type TaskState string

const (
	TaskStatePending  TaskState = "pending"
	TaskStateInFlight TaskState = "in-flight"
	TaskStateAcked    TaskState = "acked"
	TaskStateFailed   TaskState = "failed"
)

// MembershipAction is the kind of membership notification
type MembershipAction string

const (
	ActionJoin      MembershipAction = "join"
	ActionLeave     MembershipAction = "leave"
	ActionHeartbeat MembershipAction = "heartbeat"
)

// MembershipEvent is a notification from the integration layer
type MembershipEvent struct {
	Action         MembershipAction `json:"action"`
	Role           Role             `json:"role,omitempty"`
	NodeID         string           `json:"node_id"`
	Address        string           `json:"address,omitempty"`
	AppliedVersion uint64           `json:"applied_version,omitempty"`

	Authoritative bool     `json:"authoritative,omitempty"`
	Partition     string   `json:"partition,omitempty"`
	CPUs          int      `json:"cpus,omitempty"`
	RealMemoryMB  int64    `json:"real_memory_mb,omitempty"`
	Gres          []string `json:"gres,omitempty"`
	Port          int      `json:"port,omitempty"`
}

// Member builds the registry record described by a join event
func (e *MembershipEvent) Member() Member {
	m := Member{
		ID:      e.NodeID,
		Role:    e.Role,
		Address: e.Address,
	}
	switch e.Role {
	case RoleController:
		m.Controller = &ControllerSpec{Authoritative: e.Authoritative}
	case RoleCompute:
		m.Compute = &ComputeSpec{
			Partition:    e.Partition,
			CPUs:         e.CPUs,
			RealMemoryMB: e.RealMemoryMB,
			Gres:         append([]string(nil), e.Gres...),
		}
	case RoleDatabase:
		m.Database = &DatabaseSpec{Port: e.Port}
	case RoleLogin:
		m.Login = &LoginSpec{}
	case RoleGateway:
		m.Gateway = &GatewaySpec{Port: e.Port}
	}
	return m
}
