package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/slurmsync/pkg/storage"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/hashicorp/raft"
)

// Raft log operations
const (
	opPutMember    = "put_member"
	opDeleteMember = "delete_member"
	opPutSecret    = "put_secret"
	opDeleteSecret = "delete_secret"
	opPutConfig    = "put_config"
)

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// FSM implements the Raft finite state machine over the local store.
// Every manager applies the same log, so followers hold a full copy of the
// registry, the secret generations and the published configs.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM creates a new FSM instance
func NewFSM(store storage.Store) *FSM {
	return &FSM{
		store: store,
	}
}

// Apply applies a Raft log entry to the FSM
// This is called by Raft when a log entry is committed
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opPutMember:
		var member types.Member
		if err := json.Unmarshal(cmd.Data, &member); err != nil {
			return err
		}
		return f.store.PutMember(&member)

	case opDeleteMember:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteMember(id)

	case opPutSecret:
		var record storage.SecretRecord
		if err := json.Unmarshal(cmd.Data, &record); err != nil {
			return err
		}
		return f.store.PutSecret(&record)

	case opDeleteSecret:
		var generation uint64
		if err := json.Unmarshal(cmd.Data, &generation); err != nil {
			return err
		}
		return f.store.DeleteSecret(generation)

	case opPutConfig:
		var cfg types.ClusterConfig
		if err := json.Unmarshal(cmd.Data, &cfg); err != nil {
			return err
		}
		return f.store.PutConfig(&cfg)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM.
// Only the latest published config is kept; older versions are history.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	members, err := f.store.ListMembers()
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %v", err)
	}

	secrets, err := f.store.ListSecrets()
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %v", err)
	}

	latest, err := f.store.LatestConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load latest config: %v", err)
	}

	return &clusterSnapshot{
		Members: members,
		Secrets: secrets,
		Config:  latest,
	}, nil
}

// Restore replaces the FSM state with a snapshot
// This is called when a node restarts or joins the cluster
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot clusterSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	keepMembers := make(map[string]bool, len(snapshot.Members))
	for _, member := range snapshot.Members {
		keepMembers[member.ID] = true
		if err := f.store.PutMember(member); err != nil {
			return fmt.Errorf("failed to restore member: %v", err)
		}
	}
	existing, err := f.store.ListMembers()
	if err != nil {
		return fmt.Errorf("failed to list members: %v", err)
	}
	for _, member := range existing {
		if !keepMembers[member.ID] {
			if err := f.store.DeleteMember(member.ID); err != nil {
				return fmt.Errorf("failed to drop member: %v", err)
			}
		}
	}

	keepSecrets := make(map[uint64]bool, len(snapshot.Secrets))
	for _, record := range snapshot.Secrets {
		keepSecrets[record.Generation] = true
		if err := f.store.PutSecret(record); err != nil {
			return fmt.Errorf("failed to restore secret: %v", err)
		}
	}
	records, err := f.store.ListSecrets()
	if err != nil {
		return fmt.Errorf("failed to list secrets: %v", err)
	}
	for _, record := range records {
		if !keepSecrets[record.Generation] {
			if err := f.store.DeleteSecret(record.Generation); err != nil {
				return fmt.Errorf("failed to drop secret: %v", err)
			}
		}
	}

	if snapshot.Config != nil {
		if err := f.store.PutConfig(snapshot.Config); err != nil {
			return fmt.Errorf("failed to restore config: %v", err)
		}
	}

	return nil
}

// clusterSnapshot represents a point-in-time snapshot of cluster state
type clusterSnapshot struct {
	Members []*types.Member
	Secrets []*storage.SecretRecord
	Config  *types.ClusterConfig `json:",omitempty"`
}

// Persist writes the snapshot to the given SnapshotSink
func (s *clusterSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		// Encode snapshot as JSON
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *clusterSnapshot) Release() {}
