package agent

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cuemby/slurmsync/pkg/distribution"
	"github.com/cuemby/slurmsync/pkg/synth"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHooks struct {
	mu        sync.Mutex
	applied   []uint64
	demoted   int
	activated int
}

func (h *recordingHooks) OnApply(st State, cfg *types.ClusterConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applied = append(h.applied, cfg.Version)
}

func (h *recordingHooks) OnDemote(State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.demoted++
}

func (h *recordingHooks) OnActivate(State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activated++
}

func testConfig(version, generation uint64, controller string) *types.ClusterConfig {
	return &types.ClusterConfig{
		Version:          version,
		ClusterName:      "hpc",
		Controller:       types.ControllerRef{NodeID: controller, Address: "10.0.0.1"},
		Nodes:            []types.NodeEntry{{Name: "n1", Address: "10.0.0.5", Partition: "batch", CPUs: 4}},
		Partitions:       []types.Partition{{Name: "batch", Nodes: []string{"n1"}, Default: true}},
		SecretGeneration: generation,
		Parameters:       map[string]string{},
	}
}

func testPayload(t *testing.T, kind distribution.Kind, version, generation uint64, controller string) distribution.Payload {
	t.Helper()
	secret := types.ClusterSecret{Key: []byte("key-material-" + string(rune('a'+generation))), Generation: generation}
	b, err := distribution.NewBundle(testConfig(version, generation, controller), secret)
	require.NoError(t, err)
	return distribution.Payload{Kind: kind, Bundle: b}
}

// appliedConfig decodes the config the current link points at
func appliedConfig(t *testing.T, dir string) *types.ClusterConfig {
	t.Helper()
	data, err := os.ReadFile(CurrentPath(dir, ConfigFile))
	require.NoError(t, err)
	cfg, err := synth.Decode(data)
	require.NoError(t, err)
	return cfg
}

func bundleDirs(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, BundlesDir))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func newTestReceiver(t *testing.T, nodeID string) (*Receiver, *recordingHooks, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "state")
	hooks := &recordingHooks{}
	r, err := NewReceiver(nodeID, dir, hooks)
	require.NoError(t, err)
	return r, hooks, dir
}

func TestReceiverAppliesBundle(t *testing.T) {
	r, hooks, dir := newTestReceiver(t, "n1")
	p := testPayload(t, distribution.KindConfig, 1, 1, "c1")

	ack, err := r.Receive(context.Background(), "n1", p)
	require.NoError(t, err)
	assert.Equal(t, "n1", ack.NodeID)
	assert.Equal(t, types.Target{Version: 1, Generation: 1}, ack.Target())

	assert.Equal(t, uint64(1), appliedConfig(t, dir).Version)

	key, err := os.ReadFile(CurrentPath(dir, KeyFile))
	require.NoError(t, err)
	assert.Equal(t, p.Bundle.Secret, key)

	info, err := os.Stat(CurrentPath(dir, KeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	st := r.State()
	assert.Equal(t, uint64(1), st.Version)
	assert.Equal(t, hex.EncodeToString(p.Bundle.Digest), st.Digest)
	assert.False(t, st.AppliedAt.IsZero())
	assert.Equal(t, []uint64{1}, hooks.applied)

	_, err = os.Stat(CurrentPath(dir, JWTKeyFile))
	assert.True(t, os.IsNotExist(err), "compute nodes get no jwt key")

	assert.Equal(t, []string{"v1-g1"}, bundleDirs(t, dir), "no staging directories left behind")
	link, err := os.Readlink(filepath.Join(dir, CurrentLink))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(BundlesDir, "v1-g1"), link)
}

func TestReceiverIsIdempotent(t *testing.T) {
	r, hooks, _ := newTestReceiver(t, "n1")
	p := testPayload(t, distribution.KindConfig, 2, 1, "c1")

	_, err := r.Receive(context.Background(), "n1", p)
	require.NoError(t, err)
	ack, err := r.Receive(context.Background(), "n1", p)
	require.NoError(t, err)
	assert.Equal(t, p.Target(), ack.Target())
	assert.Len(t, hooks.applied, 1)
}

func TestReceiverRejectsRegression(t *testing.T) {
	r, _, dir := newTestReceiver(t, "n1")

	_, err := r.Receive(context.Background(), "n1", testPayload(t, distribution.KindConfig, 3, 2, "c1"))
	require.NoError(t, err)

	tests := []struct {
		name       string
		version    uint64
		generation uint64
	}{
		{name: "older version", version: 2, generation: 2},
		{name: "older generation", version: 3, generation: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Receive(context.Background(), "n1", testPayload(t, distribution.KindConfig, tt.version, tt.generation, "c1"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, distribution.ErrSuperseded))
			assert.Equal(t, types.Target{Version: 3, Generation: 2}, r.State().Target())
		})
	}

	assert.Equal(t, uint64(3), appliedConfig(t, dir).Version)

	// Newer generation at the same version moves forward
	_, err = r.Receive(context.Background(), "n1", testPayload(t, distribution.KindConfig, 3, 3, "c1"))
	require.NoError(t, err)
	assert.Equal(t, types.Target{Version: 3, Generation: 3}, r.State().Target())
}

func TestReceiverRejectsInvalidBundles(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *distribution.Payload)
	}{
		{name: "digest mismatch", mutate: func(p *distribution.Payload) { p.Bundle.Digest = []byte{1, 2, 3} }},
		{name: "version mismatch", mutate: func(p *distribution.Payload) { p.Bundle.Version = 9 }},
		{name: "generation mismatch", mutate: func(p *distribution.Payload) { p.Bundle.Generation = 9 }},
		{name: "missing secret", mutate: func(p *distribution.Payload) { p.Bundle.Secret = nil }},
		{name: "garbage config", mutate: func(p *distribution.Payload) { p.Bundle.Config = []byte{0xff, 0x00} }},
		{name: "unknown kind", mutate: func(p *distribution.Payload) { p.Kind = "reboot" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, hooks, dir := newTestReceiver(t, "n1")
			p := testPayload(t, distribution.KindConfig, 1, 1, "c1")
			tt.mutate(&p)

			_, err := r.Receive(context.Background(), "n1", p)
			assert.Error(t, err)
			assert.False(t, r.State().Applied())
			assert.Empty(t, hooks.applied)

			_, err = os.Stat(CurrentPath(dir, StateFile))
			assert.True(t, os.IsNotExist(err))
			assert.Empty(t, bundleDirs(t, dir))
		})
	}
}

func TestReceiverRefusesOtherNode(t *testing.T) {
	r, _, _ := newTestReceiver(t, "n1")
	_, err := r.Receive(context.Background(), "n2", testPayload(t, distribution.KindConfig, 1, 1, "c1"))
	assert.Error(t, err)
}

func TestReceiverControllerTransitions(t *testing.T) {
	r, hooks, _ := newTestReceiver(t, "c2")
	ctx := context.Background()

	// Activation must name this node
	_, err := r.Receive(ctx, "c2", testPayload(t, distribution.KindActivate, 1, 1, "c1"))
	assert.Error(t, err)

	_, err = r.Receive(ctx, "c2", testPayload(t, distribution.KindActivate, 1, 1, "c2"))
	require.NoError(t, err)
	assert.True(t, r.State().Authoritative)
	assert.Equal(t, 1, hooks.activated)

	// Ordinary config keeps authority
	_, err = r.Receive(ctx, "c2", testPayload(t, distribution.KindConfig, 2, 1, "c2"))
	require.NoError(t, err)
	assert.True(t, r.State().Authoritative)

	ack, err := r.Receive(ctx, "c2", distribution.Payload{Kind: distribution.KindDemote})
	require.NoError(t, err)
	assert.Equal(t, distribution.KindDemote, ack.Kind)
	assert.False(t, r.State().Authoritative)
	assert.Equal(t, 1, hooks.demoted)

	// Demoting again is a no-op
	_, err = r.Receive(ctx, "c2", distribution.Payload{Kind: distribution.KindDemote})
	require.NoError(t, err)
	assert.Equal(t, 1, hooks.demoted)

	// Re-activation at the applied target only flips authority
	_, err = r.Receive(ctx, "c2", testPayload(t, distribution.KindActivate, 2, 1, "c2"))
	require.NoError(t, err)
	assert.True(t, r.State().Authoritative)
	assert.Equal(t, 2, hooks.activated)
	assert.Equal(t, []uint64{1, 2}, hooks.applied)
}

func TestReceiverResumesAfterRestart(t *testing.T) {
	r, _, dir := newTestReceiver(t, "n1")
	_, err := r.Receive(context.Background(), "n1", testPayload(t, distribution.KindConfig, 4, 2, "c1"))
	require.NoError(t, err)

	reopened, err := NewReceiver("n1", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, types.Target{Version: 4, Generation: 2}, reopened.State().Target())
	assert.Equal(t, uint64(4), reopened.AppliedVersion())

	_, err = reopened.Receive(context.Background(), "n1", testPayload(t, distribution.KindConfig, 3, 2, "c1"))
	assert.True(t, errors.Is(err, distribution.ErrSuperseded))

	_, err = NewReceiver("n2", dir, nil)
	assert.Error(t, err, "state directory belongs to n1")
}

func TestNewReceiverRequiresNodeID(t *testing.T) {
	_, err := NewReceiver("", t.TempDir(), nil)
	assert.Error(t, err)
}

func TestReceiverFailedWriteKeepsPreviousBundle(t *testing.T) {
	r, hooks, dir := newTestReceiver(t, "n1")
	ctx := context.Background()
	first := testPayload(t, distribution.KindConfig, 1, 1, "c1")
	_, err := r.Receive(ctx, "n1", first)
	require.NoError(t, err)

	r.writeFile = func(path string, data []byte, perm os.FileMode) error {
		if filepath.Base(path) == KeyFile {
			return errors.New("no space left on device")
		}
		return writeFileAtomic(path, data, perm)
	}
	_, err = r.Receive(ctx, "n1", testPayload(t, distribution.KindConfig, 2, 2, "c1"))
	require.ErrorContains(t, err, "no space left on device")

	// Config, key and state all still describe v1
	assert.Equal(t, types.Target{Version: 1, Generation: 1}, r.State().Target())
	assert.Equal(t, uint64(1), appliedConfig(t, dir).Version)
	key, err := os.ReadFile(CurrentPath(dir, KeyFile))
	require.NoError(t, err)
	assert.Equal(t, first.Bundle.Secret, key)
	assert.Equal(t, []string{"v1-g1"}, bundleDirs(t, dir))
	assert.Equal(t, []uint64{1}, hooks.applied)

	reopened, err := NewReceiver("n1", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, types.Target{Version: 1, Generation: 1}, reopened.State().Target())

	// The manager's retry lands once the disk recovers
	r.writeFile = writeFileAtomic
	_, err = r.Receive(ctx, "n1", testPayload(t, distribution.KindConfig, 2, 2, "c1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), appliedConfig(t, dir).Version)
}

func TestReceiverKeepsPreviousBundleOnly(t *testing.T) {
	r, _, dir := newTestReceiver(t, "n1")
	for v := uint64(1); v <= 4; v++ {
		_, err := r.Receive(context.Background(), "n1", testPayload(t, distribution.KindConfig, v, 1, "c1"))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"v3-g1", "v4-g1"}, bundleDirs(t, dir))
	assert.Equal(t, uint64(4), appliedConfig(t, dir).Version)
}

func TestReceiverWritesJWTKeyForControllers(t *testing.T) {
	r, _, dir := newTestReceiver(t, "c1")
	secret := types.ClusterSecret{Key: []byte("munge"), JWTKey: []byte("jwt-signing-key"), Generation: 1}
	b, err := distribution.NewBundle(testConfig(1, 1, "c1"), secret)
	require.NoError(t, err)

	_, err = r.Receive(context.Background(), "c1", distribution.Payload{Kind: distribution.KindActivate, Bundle: b.ForRole(types.RoleController)})
	require.NoError(t, err)

	jwt, err := os.ReadFile(CurrentPath(dir, JWTKeyFile))
	require.NoError(t, err)
	assert.Equal(t, []byte("jwt-signing-key"), jwt)
	info, err := os.Stat(CurrentPath(dir, JWTKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestReceiverDerivesAuthorityFromBundle(t *testing.T) {
	r, hooks, dir := newTestReceiver(t, "c1")
	ctx := context.Background()

	_, err := r.Receive(ctx, "c1", testPayload(t, distribution.KindActivate, 1, 1, "c1"))
	require.NoError(t, err)
	_, err = r.Receive(ctx, "c1", testPayload(t, distribution.KindConfig, 2, 1, "c1"))
	require.NoError(t, err)
	require.True(t, r.State().Authoritative)

	// The demote push never arrived; the config naming c2 revokes authority
	_, err = r.Receive(ctx, "c1", testPayload(t, distribution.KindConfig, 3, 1, "c2"))
	require.NoError(t, err)
	assert.False(t, r.State().Authoritative)
	assert.Equal(t, 1, hooks.demoted)

	reopened, err := NewReceiver("c1", dir, nil)
	require.NoError(t, err)
	assert.False(t, reopened.State().Authoritative)

	// A late demote is acknowledged without another hook call
	ack, err := r.Receive(ctx, "c1", distribution.Payload{Kind: distribution.KindDemote})
	require.NoError(t, err)
	assert.Equal(t, types.Target{Version: 3, Generation: 1}, ack.Target())
	assert.Equal(t, 1, hooks.demoted)

	// Being named again does not grant authority without an activation
	_, err = r.Receive(ctx, "c1", testPayload(t, distribution.KindConfig, 4, 1, "c1"))
	require.NoError(t, err)
	assert.False(t, r.State().Authoritative)
	assert.Equal(t, 1, hooks.activated)
}
