package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/slurmsync/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketMembers = []byte("members")
	bucketSecrets = []byte("secrets")
	bucketConfigs = []byte("configs")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "slurmsync.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketMembers,
			bucketSecrets,
			bucketConfigs,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// uint64Key encodes integers big-endian so cursor order matches numeric order
func uint64Key(v uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, v)
	return key
}

// Member operations
func (s *BoltStore) PutMember(member *types.Member) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMembers)
		data, err := json.Marshal(member)
		if err != nil {
			return err
		}
		return b.Put([]byte(member.ID), data)
	})
}

func (s *BoltStore) GetMember(id string) (*types.Member, error) {
	var member types.Member
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMembers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("member %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &member)
	})
	if err != nil {
		return nil, err
	}
	return &member, nil
}

func (s *BoltStore) ListMembers() ([]*types.Member, error) {
	var members []*types.Member
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMembers)
		return b.ForEach(func(k, v []byte) error {
			var member types.Member
			if err := json.Unmarshal(v, &member); err != nil {
				return err
			}
			members = append(members, &member)
			return nil
		})
	})
	return members, err
}

func (s *BoltStore) DeleteMember(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMembers)
		return b.Delete([]byte(id))
	})
}

// Secret operations
func (s *BoltStore) PutSecret(record *SecretRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(uint64Key(record.Generation), data)
	})
}

// ListSecrets returns every retained generation, oldest first
func (s *BoltStore) ListSecrets() ([]*SecretRecord, error) {
	var records []*SecretRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		return b.ForEach(func(k, v []byte) error {
			var record SecretRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) DeleteSecret(generation uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		return b.Delete(uint64Key(generation))
	})
}

// Config operations
func (s *BoltStore) PutConfig(cfg *types.ClusterConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigs)
		key := uint64Key(cfg.Version)
		if existing := b.Get(key); existing != nil {
			var prev types.ClusterConfig
			if err := json.Unmarshal(existing, &prev); err != nil {
				return err
			}
			if string(prev.Digest) != string(cfg.Digest) {
				return fmt.Errorf("config version %d already published with different content", cfg.Version)
			}
			return nil
		}
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetConfig(version uint64) (*types.ClusterConfig, error) {
	var cfg types.ClusterConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigs)
		data := b.Get(uint64Key(version))
		if data == nil {
			return fmt.Errorf("config version %d: %w", version, ErrNotFound)
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LatestConfig returns the highest published version, or nil when nothing was published
func (s *BoltStore) LatestConfig() (*types.ClusterConfig, error) {
	var cfg *types.ClusterConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketConfigs).Cursor().Last()
		if v == nil {
			return nil
		}
		cfg = &types.ClusterConfig{}
		return json.Unmarshal(v, cfg)
	})
	return cfg, err
}
