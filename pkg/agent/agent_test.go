package agent

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/slurmsync/pkg/distribution"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func TestNewValidatesConfig(t *testing.T) {
	base := Config{
		Join:              types.MembershipEvent{NodeID: "n1", Role: types.RoleCompute},
		StateDir:          t.TempDir(),
		HeartbeatInterval: time.Second,
	}

	_, err := New(base, &fakeNotifier{})
	require.NoError(t, err)

	noID := base
	noID.Join.NodeID = ""
	_, err = New(noID, &fakeNotifier{})
	assert.Error(t, err)

	badRole := base
	badRole.Join.Role = "scheduler"
	_, err = New(badRole, &fakeNotifier{})
	assert.Error(t, err)

	noInterval := base
	noInterval.HeartbeatInterval = 0
	_, err = New(noInterval, &fakeNotifier{})
	assert.Error(t, err)
}

func TestAgentReceivesPushesOverGRPC(t *testing.T) {
	n := &fakeNotifier{}
	a, err := New(Config{
		Join:              types.MembershipEvent{NodeID: "n1", Role: types.RoleCompute, Address: "bufnet"},
		StateDir:          filepath.Join(t.TempDir(), "state"),
		HeartbeatInterval: 10 * time.Millisecond,
	}, n)
	require.NoError(t, err)

	lis := bufconn.Listen(1024 * 1024)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, lis) }()

	ch := distribution.NewGRPCChannel(5*time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	defer ch.Close()

	member := types.Member{ID: "n1", Role: types.RoleCompute, Address: "bufnet"}
	p := testPayload(t, distribution.KindConfig, 2, 1, "c1")

	ack, err := ch.Push(context.Background(), member, p)
	require.NoError(t, err)
	assert.Equal(t, p.Target(), ack.Target())
	assert.Equal(t, uint64(2), a.Receiver().AppliedVersion())

	// Heartbeats report what was applied
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		for _, v := range n.heartbeats {
			if v == 2 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// A push for another node is refused before it reaches the receiver
	_, err = ch.Push(context.Background(), types.Member{ID: "n2", Address: "bufnet"}, testPayload(t, distribution.KindConfig, 3, 1, "c1"))
	assert.Error(t, err)
	assert.Equal(t, uint64(2), a.Receiver().AppliedVersion())

	// The regression check survives the wire
	_, err = ch.Push(context.Background(), member, testPayload(t, distribution.KindConfig, 1, 1, "c1"))
	assert.ErrorContains(t, err, distribution.ErrSuperseded.Error())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Equal(t, []string{"n1"}, n.leaves)
}
