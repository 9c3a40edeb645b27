package manager

import (
	"encoding/json"

	"github.com/cuemby/slurmsync/pkg/storage"
	"github.com/cuemby/slurmsync/pkg/types"
)

// ReplicatedStore is a storage.Store whose writes go through the Raft log
// and whose reads come from the local copy. Writes fail on followers.
type ReplicatedStore struct {
	manager *Manager
	local   storage.Store
}

var _ storage.Store = (*ReplicatedStore)(nil)

func (s *ReplicatedStore) apply(op string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.manager.Apply(Command{Op: op, Data: data})
}

func (s *ReplicatedStore) PutMember(member *types.Member) error {
	return s.apply(opPutMember, member)
}

func (s *ReplicatedStore) GetMember(id string) (*types.Member, error) {
	return s.local.GetMember(id)
}

func (s *ReplicatedStore) ListMembers() ([]*types.Member, error) {
	return s.local.ListMembers()
}

func (s *ReplicatedStore) DeleteMember(id string) error {
	return s.apply(opDeleteMember, id)
}

func (s *ReplicatedStore) PutSecret(record *storage.SecretRecord) error {
	return s.apply(opPutSecret, record)
}

func (s *ReplicatedStore) ListSecrets() ([]*storage.SecretRecord, error) {
	return s.local.ListSecrets()
}

func (s *ReplicatedStore) DeleteSecret(generation uint64) error {
	return s.apply(opDeleteSecret, generation)
}

func (s *ReplicatedStore) PutConfig(cfg *types.ClusterConfig) error {
	return s.apply(opPutConfig, cfg)
}

func (s *ReplicatedStore) GetConfig(version uint64) (*types.ClusterConfig, error) {
	return s.local.GetConfig(version)
}

func (s *ReplicatedStore) LatestConfig() (*types.ClusterConfig, error) {
	return s.local.LatestConfig()
}

// Close is a no-op; the manager owns the local store
func (s *ReplicatedStore) Close() error {
	return nil
}
