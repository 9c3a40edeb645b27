package distribution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(version, generation uint64) Payload {
	return Payload{Kind: KindConfig, Bundle: Bundle{Version: version, Generation: generation}}
}

func echoChannel(calls *int32) ChannelFunc {
	return func(ctx context.Context, m types.Member, p Payload) (Ack, error) {
		atomic.AddInt32(calls, 1)
		return Ack{NodeID: m.ID, Kind: p.Kind, Version: p.Bundle.Version, Generation: p.Bundle.Generation}, nil
	}
}

func TestGuardIdempotentRepush(t *testing.T) {
	var calls int32
	g := NewGuard(echoChannel(&calls))
	m := types.Member{ID: "n1"}

	_, err := g.Push(context.Background(), m, payload(3, 1))
	require.NoError(t, err)
	ack, err := g.Push(context.Background(), m, payload(3, 1))
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, types.Target{Version: 3, Generation: 1}, ack.Target())
}

func TestGuardRefusesOlderTarget(t *testing.T) {
	var calls int32
	g := NewGuard(echoChannel(&calls))
	m := types.Member{ID: "n1"}

	_, err := g.Push(context.Background(), m, payload(5, 2))
	require.NoError(t, err)

	_, err = g.Push(context.Background(), m, payload(4, 2))
	assert.ErrorIs(t, err, ErrSuperseded)

	_, err = g.Push(context.Background(), m, payload(5, 1))
	assert.ErrorIs(t, err, ErrSuperseded)

	// The acknowledged target is still 5/2: re-pushing it needs no I/O
	_, err = g.Push(context.Background(), m, payload(5, 2))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGuardForgetAllowsRedelivery(t *testing.T) {
	var calls int32
	g := NewGuard(echoChannel(&calls))
	m := types.Member{ID: "n1"}

	_, err := g.Push(context.Background(), m, payload(2, 1))
	require.NoError(t, err)
	g.Forget("n1")
	_, err = g.Push(context.Background(), m, payload(2, 1))
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestGuardWrapsFailures(t *testing.T) {
	boom := errors.New("connection refused")
	g := NewGuard(ChannelFunc(func(ctx context.Context, m types.Member, p Payload) (Ack, error) {
		return Ack{}, boom
	}))

	_, err := g.Push(context.Background(), types.Member{ID: "n7"}, payload(1, 1))

	var failure *types.DistributionFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "n7", failure.NodeID)
	assert.ErrorIs(t, err, boom)

}

func TestGuardRejectsMismatchedAck(t *testing.T) {
	g := NewGuard(ChannelFunc(func(ctx context.Context, m types.Member, p Payload) (Ack, error) {
		return Ack{NodeID: m.ID, Version: p.Bundle.Version - 1, Generation: p.Bundle.Generation}, nil
	}))

	_, err := g.Push(context.Background(), types.Member{ID: "n1"}, payload(2, 1))
	var failure *types.DistributionFailure
	assert.ErrorAs(t, err, &failure)
}

func TestGuardDemoteBypassesOrdering(t *testing.T) {
	var calls int32
	g := NewGuard(echoChannel(&calls))
	m := types.Member{ID: "c1"}

	_, err := g.Push(context.Background(), m, payload(4, 1))
	require.NoError(t, err)

	_, err = g.Push(context.Background(), m, Payload{Kind: KindDemote})
	require.NoError(t, err)
	_, err = g.Push(context.Background(), m, Payload{Kind: KindDemote})
	require.NoError(t, err)

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	// Demote acks leave the acknowledged config target alone
	_, err = g.Push(context.Background(), m, payload(3, 1))
	assert.ErrorIs(t, err, ErrSuperseded)
}

func TestGuardSerializesPerMember(t *testing.T) {
	var inFlight, maxInFlight int32
	g := NewGuard(ChannelFunc(func(ctx context.Context, m types.Member, p Payload) (Ack, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return Ack{NodeID: m.ID, Kind: p.Kind, Version: p.Bundle.Version, Generation: p.Bundle.Generation}, nil
	}))

	var wg sync.WaitGroup
	for v := uint64(1); v <= 10; v++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			_, _ = g.Push(context.Background(), types.Member{ID: "n1"}, payload(v, 1))
		}(v)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestGuardCancelledContext(t *testing.T) {
	var calls int32
	g := NewGuard(echoChannel(&calls))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Push(ctx, types.Member{ID: "n1"}, payload(1, 1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
