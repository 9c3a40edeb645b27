package distribution

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/slurmsync/pkg/types"
)

type memberState struct {
	mu     sync.Mutex
	acked  types.Target
	hasAck bool
}

// Guard wraps a Channel with per-member ordering. Pushes to one member are
// serialized; re-pushing an acknowledged target succeeds without I/O; a
// target older than the last acknowledged one is refused with ErrSuperseded.
// Transport failures come back as *types.DistributionFailure.
type Guard struct {
	inner   Channel
	mu      sync.Mutex
	members map[string]*memberState
}

// NewGuard wraps inner
func NewGuard(inner Channel) *Guard {
	return &Guard{
		inner:   inner,
		members: make(map[string]*memberState),
	}
}

func (g *Guard) state(id string) *memberState {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.members[id]
	if !ok {
		st = &memberState{}
		g.members[id] = st
	}
	return st
}

// Push delivers p to member subject to the ordering rules
func (g *Guard) Push(ctx context.Context, member types.Member, p Payload) (Ack, error) {
	st := g.state(member.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	target := p.Target()
	if p.Kind != KindDemote && st.hasAck {
		if target == st.acked {
			return Ack{NodeID: member.ID, Kind: p.Kind, Version: target.Version, Generation: target.Generation}, nil
		}
		if target.Less(st.acked) {
			return Ack{}, fmt.Errorf("push %s to %s: %w (acknowledged %s)", target, member.ID, ErrSuperseded, st.acked)
		}
	}

	if err := ctx.Err(); err != nil {
		return Ack{}, &types.DistributionFailure{NodeID: member.ID, Target: target, Err: err}
	}

	ack, err := g.inner.Push(ctx, member, p)
	if err != nil {
		return Ack{}, &types.DistributionFailure{NodeID: member.ID, Target: target, Err: err}
	}
	if p.Kind == KindDemote {
		return ack, nil
	}
	if ack.Target() != target {
		return Ack{}, &types.DistributionFailure{
			NodeID: member.ID,
			Target: target,
			Err:    fmt.Errorf("member acknowledged %s", ack.Target()),
		}
	}

	st.acked = target
	st.hasAck = true
	return ack, nil
}

// Forget drops what the guard knows about a member, so the next push is
// delivered even if its target was acknowledged before. Used when a member
// re-registers after losing its state.
func (g *Guard) Forget(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, id)
}
