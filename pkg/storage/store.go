package storage

import (
	"errors"
	"time"

	"github.com/cuemby/slurmsync/pkg/types"
)

// ErrNotFound is wrapped by lookups that find no record
var ErrNotFound = errors.New("not found")

// SecretRecord is the at-rest form of a cluster secret generation.
// Key material is sealed before it reaches the store.
type SecretRecord struct {
	Generation uint64
	Sealed     []byte
	// SealedJWT is empty for generations created before JWT keys existed
	SealedJWT    []byte `json:",omitempty"`
	CreatedAt    time.Time
	SupersededAt time.Time
}

// Store defines the interface for durable cluster state.
// BoltStore persists locally; the manager package replicates writes through Raft.
type Store interface {
	// Members
	PutMember(member *types.Member) error
	GetMember(id string) (*types.Member, error)
	ListMembers() ([]*types.Member, error)
	DeleteMember(id string) error

	// Secret generations
	PutSecret(record *SecretRecord) error
	ListSecrets() ([]*SecretRecord, error)
	DeleteSecret(generation uint64) error

	// Published cluster configurations
	PutConfig(cfg *types.ClusterConfig) error
	GetConfig(version uint64) (*types.ClusterConfig, error)
	LatestConfig() (*types.ClusterConfig, error)

	// Utility
	Close() error
}
