package manager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/slurmsync/pkg/storage"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSingleNode(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(&Config{
		NodeID:   "mgr-1",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, m.Bootstrap())
	t.Cleanup(func() { _ = m.Shutdown() })

	require.Eventually(t, m.IsLeader, 10*time.Second, 20*time.Millisecond)
	return m
}

func TestNewManagerRequiresNodeID(t *testing.T) {
	_, err := NewManager(&Config{DataDir: t.TempDir()})
	assert.Error(t, err)
}

func TestReplicatedStoreSingleNode(t *testing.T) {
	m := newSingleNode(t)
	store := m.Store()

	member := &types.Member{
		ID:      "n1",
		Role:    types.RoleCompute,
		Address: "10.0.0.1",
		State:   types.MemberStateActive,
		Compute: &types.ComputeSpec{CPUs: 4},
	}
	require.NoError(t, store.PutMember(member))

	got, err := store.GetMember("n1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", got.Address)
	require.NotNil(t, got.Compute)
	assert.Equal(t, 4, got.Compute.CPUs)

	require.NoError(t, store.PutConfig(&types.ClusterConfig{Version: 1, ClusterName: "test", Digest: []byte{1}}))
	latest, err := store.LatestConfig()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(1), latest.Version)

	require.NoError(t, store.DeleteMember("n1"))
	_, err = store.GetMember("n1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Greater(t, m.AppliedIndex(), uint64(0))
	assert.Equal(t, 1, m.Peers())
	assert.NotEmpty(t, m.LeaderAddr())
	assert.Equal(t, "Leader", m.GetRaftStats()["state"])
}

func TestApplyFailsWithoutRaft(t *testing.T) {
	m, err := NewManager(&Config{NodeID: "mgr-1", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	defer m.Shutdown()

	assert.Error(t, m.Store().PutMember(&types.Member{ID: "n1"}))
	assert.False(t, m.IsLeader())
	assert.Zero(t, m.Peers())
}

func TestWatchLeadership(t *testing.T) {
	m := newSingleNode(t)

	var leading atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.WatchLeadership(ctx, func(leader bool) { leading.Store(leader) })
	}()

	require.Eventually(t, leading.Load, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.False(t, leading.Load())
}

func TestJoinTokens(t *testing.T) {
	tm := NewTokenManager()
	jt, err := tm.GenerateToken(time.Hour)
	require.NoError(t, err)
	assert.Len(t, jt.Token, 64)

	assert.NoError(t, tm.ValidateToken(jt.Token))
	assert.Error(t, tm.ValidateToken("bogus"))

	tm.RevokeToken(jt.Token)
	assert.Error(t, tm.ValidateToken(jt.Token))
}

func TestJoinTokenExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tm := NewTokenManager()
	tm.now = func() time.Time { return now }

	jt, err := tm.GenerateToken(time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	assert.EqualError(t, tm.ValidateToken(jt.Token), "token expired")

	// Generating another token drops the expired one
	_, err = tm.GenerateToken(time.Minute)
	require.NoError(t, err)
	assert.Len(t, tm.tokens, 1)
}
