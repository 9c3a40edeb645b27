package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMemberCRUD(t *testing.T) {
	store := newTestStore(t)

	member := &types.Member{
		ID:      "compute-1",
		Role:    types.RoleCompute,
		Address: "10.0.0.11",
		State:   types.MemberStateActive,
		Compute: &types.ComputeSpec{Partition: "batch", CPUs: 16},
	}
	require.NoError(t, store.PutMember(member))

	got, err := store.GetMember("compute-1")
	require.NoError(t, err)
	assert.Equal(t, "batch", got.Compute.Partition)
	assert.Equal(t, 16, got.Compute.CPUs)

	members, err := store.ListMembers()
	require.NoError(t, err)
	assert.Len(t, members, 1)

	require.NoError(t, store.DeleteMember("compute-1"))
	_, err = store.GetMember("compute-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSecretsListedOldestFirst(t *testing.T) {
	store := newTestStore(t)

	for _, gen := range []uint64{3, 1, 256, 2} {
		require.NoError(t, store.PutSecret(&SecretRecord{Generation: gen, Sealed: []byte{byte(gen)}, CreatedAt: time.Now()}))
	}

	records, err := store.ListSecrets()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, uint64(1), records[0].Generation)
	assert.Equal(t, uint64(2), records[1].Generation)
	assert.Equal(t, uint64(3), records[2].Generation)
	assert.Equal(t, uint64(256), records[3].Generation)

	require.NoError(t, store.DeleteSecret(1))
	records, err = store.ListSecrets()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), records[0].Generation)
}

func TestConfigsAreImmutable(t *testing.T) {
	store := newTestStore(t)

	latest, err := store.LatestConfig()
	require.NoError(t, err)
	assert.Nil(t, latest)

	v1 := &types.ClusterConfig{Version: 1, ClusterName: "hpc", Digest: []byte("aaa")}
	v2 := &types.ClusterConfig{Version: 2, ClusterName: "hpc", Digest: []byte("bbb")}
	require.NoError(t, store.PutConfig(v1))
	require.NoError(t, store.PutConfig(v2))

	// Same content again is a no-op
	require.NoError(t, store.PutConfig(v1))

	// Different content under a published version is refused
	err = store.PutConfig(&types.ClusterConfig{Version: 1, Digest: []byte("zzz")})
	assert.Error(t, err)

	latest, err = store.LatestConfig()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Version)

	got, err := store.GetConfig(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaa"), got.Digest)

	_, err = store.GetConfig(9)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.PutSecret(&SecretRecord{Generation: 1, Sealed: []byte("sealed")}))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.ListSecrets()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []byte("sealed"), records[0].Sealed)
}
