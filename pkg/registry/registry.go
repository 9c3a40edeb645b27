package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/slurmsync/pkg/log"
	"github.com/cuemby/slurmsync/pkg/storage"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/rs/zerolog"
)

// ChangeKind describes a membership transition
type ChangeKind string

const (
	ChangeJoined           ChangeKind = "joined"
	ChangeLeft             ChangeKind = "left"
	ChangeRevived          ChangeKind = "revived"
	ChangePresumedDeparted ChangeKind = "presumed-departed"
	ChangeControllerLost   ChangeKind = "controller-lost"
	ChangeAuthority        ChangeKind = "authority"
)

// Change is delivered to listeners after the registry lock is released
type Change struct {
	Kind   ChangeKind
	Member types.Member
}

// Listener observes registry changes. It must not block.
type Listener func(Change)

// Options configures a Registry
type Options struct {
	// Now overrides the clock, for tests
	Now func() time.Time
}

// Registry tracks every known member and its liveness and readiness.
// Mutations are serialized against Snapshot so readers never observe a
// half-updated member. When a store is configured every mutation is written
// through before it becomes visible.
type Registry struct {
	mu        sync.RWMutex
	members   map[string]*types.Member
	store     storage.Store
	now       func() time.Time
	listeners []Listener
	logger    zerolog.Logger
}

// New creates an empty registry. store may be nil for a purely in-memory registry.
func New(store storage.Store, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		members: make(map[string]*types.Member),
		store:   store,
		now:     opts.Now,
		logger:  log.WithComponent("registry"),
	}
}

// Load restores members from the store. Liveness restarts from the load time
// so a manager restart does not presume every member departed.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}

	members, err := r.store.ListMembers()
	if err != nil {
		return fmt.Errorf("failed to load members: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Replace, don't merge: a manager regaining leadership reloads state
	// written by another leader.
	r.members = make(map[string]*types.Member, len(members))
	now := r.now()
	for _, m := range members {
		m.Normalize()
		if m.State == types.MemberStateActive || m.State == "" {
			m.State = types.MemberStateActive
			m.LastHeartbeat = now
		}
		r.members[m.ID] = m
	}

	r.logger.Info().Int("members", len(members)).Msg("Loaded members")
	return nil
}

// Subscribe registers a listener for subsequent changes
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()

	for _, c := range changes {
		for _, l := range listeners {
			l(c)
		}
	}
}

// commit persists next and then swaps it in. Callers hold the write lock.
func (r *Registry) commit(next *types.Member) error {
	if r.store != nil {
		if err := r.store.PutMember(next); err != nil {
			return fmt.Errorf("failed to persist member %s: %w", next.ID, err)
		}
	}
	r.members[next.ID] = next
	return nil
}

func (r *Registry) remove(id string) error {
	if r.store != nil {
		if err := r.store.DeleteMember(id); err != nil {
			return fmt.Errorf("failed to delete member %s: %w", id, err)
		}
	}
	delete(r.members, id)
	return nil
}

// Register inserts or updates a member and marks it not ready. It is
// idempotent on the node ID: the applied version and generation of an
// existing member are preserved, and so is controller authority unless the
// new registration claims it.
func (r *Registry) Register(spec types.Member) (types.Member, error) {
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return types.Member{}, err
	}

	r.mu.Lock()
	now := r.now()

	next := spec.Clone()
	next.Ready = false
	next.State = types.MemberStateActive
	next.DepartedAt = time.Time{}
	next.LastHeartbeat = now
	next.AppliedVersion = 0
	next.AppliedGeneration = 0
	next.RegisteredAt = now

	if cur, ok := r.members[spec.ID]; ok {
		if cur.Role != spec.Role {
			r.mu.Unlock()
			return types.Member{}, fmt.Errorf("member %s already registered as %s", spec.ID, cur.Role)
		}
		next.AppliedVersion = cur.AppliedVersion
		next.AppliedGeneration = cur.AppliedGeneration
		next.RegisteredAt = cur.RegisteredAt
		if cur.Authoritative() {
			next.Controller.Authoritative = true
		}
	}

	if err := r.commit(next); err != nil {
		r.mu.Unlock()
		return types.Member{}, err
	}
	out := *next.Clone()
	r.mu.Unlock()

	r.logger.Info().
		Str("node_id", out.ID).
		Str("role", string(out.Role)).
		Str("address", out.Address).
		Msg("Registered member")

	r.notify([]Change{{Kind: ChangeJoined, Member: out}})
	return out, nil
}

// Heartbeat refreshes liveness and records the configuration version the
// member reports as applied. The applied version never moves backward.
func (r *Registry) Heartbeat(id string, appliedVersion uint64) (types.Member, error) {
	r.mu.Lock()
	cur, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return types.Member{}, &types.UnknownMemberError{NodeID: id}
	}

	next := cur.Clone()
	next.LastHeartbeat = r.now()
	if appliedVersion > next.AppliedVersion {
		next.AppliedVersion = appliedVersion
	}

	var changes []Change
	revived := next.State == types.MemberStatePresumedDeparted
	if revived {
		next.State = types.MemberStateActive
		next.DepartedAt = time.Time{}
	}

	if revived || next.AppliedVersion != cur.AppliedVersion {
		if err := r.commit(next); err != nil {
			r.mu.Unlock()
			return types.Member{}, err
		}
	} else {
		// Liveness alone is soft state and stays in memory.
		r.members[id] = next
	}
	out := *next.Clone()
	r.mu.Unlock()

	if revived {
		r.logger.Info().Str("node_id", id).Msg("Member revived")
		changes = append(changes, Change{Kind: ChangeRevived, Member: out})
	}
	r.notify(changes)
	return out, nil
}

// Deregister removes a member. Removing the authoritative controller also
// emits ChangeControllerLost.
func (r *Registry) Deregister(id string) (types.Member, error) {
	r.mu.Lock()
	cur, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return types.Member{}, &types.UnknownMemberError{NodeID: id}
	}
	if err := r.remove(id); err != nil {
		r.mu.Unlock()
		return types.Member{}, err
	}
	out := *cur.Clone()
	r.mu.Unlock()

	r.logger.Info().Str("node_id", id).Str("role", string(out.Role)).Msg("Deregistered member")

	changes := []Change{{Kind: ChangeLeft, Member: out}}
	if out.Authoritative() {
		changes = append(changes, Change{Kind: ChangeControllerLost, Member: out})
	}
	r.notify(changes)
	return out, nil
}

// Sweep marks active members whose last heartbeat is older than timeout as
// presumed-departed and returns them. Presumed-departed members stay in the
// registry until Expire removes them.
func (r *Registry) Sweep(now time.Time, timeout time.Duration) []types.Member {
	r.mu.Lock()
	var swept []types.Member
	for _, id := range r.sortedIDsLocked() {
		cur := r.members[id]
		if cur.State != types.MemberStateActive || now.Sub(cur.LastHeartbeat) <= timeout {
			continue
		}
		next := cur.Clone()
		next.State = types.MemberStatePresumedDeparted
		next.DepartedAt = now
		next.Ready = false
		if err := r.commit(next); err != nil {
			r.logger.Error().Err(err).Str("node_id", id).Msg("Failed to mark member presumed-departed")
			continue
		}
		swept = append(swept, *next.Clone())
	}
	r.mu.Unlock()

	changes := make([]Change, 0, len(swept))
	for _, m := range swept {
		r.logger.Warn().
			Str("node_id", m.ID).
			Time("last_heartbeat", m.LastHeartbeat).
			Msg("Member presumed departed")
		changes = append(changes, Change{Kind: ChangePresumedDeparted, Member: m})
	}
	r.notify(changes)
	return swept
}

// Expire removes members that have been presumed-departed for at least hold
func (r *Registry) Expire(now time.Time, hold time.Duration) []types.Member {
	r.mu.Lock()
	var removed []types.Member
	for _, id := range r.sortedIDsLocked() {
		cur := r.members[id]
		if cur.State != types.MemberStatePresumedDeparted || now.Sub(cur.DepartedAt) < hold {
			continue
		}
		if err := r.remove(id); err != nil {
			r.logger.Error().Err(err).Str("node_id", id).Msg("Failed to remove departed member")
			continue
		}
		removed = append(removed, *cur.Clone())
	}
	r.mu.Unlock()

	var changes []Change
	for _, m := range removed {
		r.logger.Info().Str("node_id", m.ID).Msg("Removed departed member")
		changes = append(changes, Change{Kind: ChangeLeft, Member: m})
		if m.Authoritative() {
			changes = append(changes, Change{Kind: ChangeControllerLost, Member: m})
		}
	}
	r.notify(changes)
	return removed
}

// MarkSynced records that a member acknowledged target and is ready
func (r *Registry) MarkSynced(id string, target types.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.members[id]
	if !ok {
		return &types.UnknownMemberError{NodeID: id}
	}
	next := cur.Clone()
	if target.Version > next.AppliedVersion {
		next.AppliedVersion = target.Version
	}
	if target.Generation > next.AppliedGeneration {
		next.AppliedGeneration = target.Generation
	}
	next.Ready = true
	return r.commit(next)
}

// MarkUnready clears the readiness flag, typically when a new target is issued
func (r *Registry) MarkUnready(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.members[id]
	if !ok {
		return &types.UnknownMemberError{NodeID: id}
	}
	if !cur.Ready {
		return nil
	}
	next := cur.Clone()
	next.Ready = false
	return r.commit(next)
}

// Promote grants controller authority to id. It refuses while another
// controller still holds authority; the old controller must be demoted first.
func (r *Registry) Promote(id string) error {
	r.mu.Lock()
	cur, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return &types.UnknownMemberError{NodeID: id}
	}
	if cur.Role != types.RoleController {
		r.mu.Unlock()
		return fmt.Errorf("member %s is a %s, not a controller", id, cur.Role)
	}
	for otherID, other := range r.members {
		if otherID != id && other.Authoritative() {
			r.mu.Unlock()
			return fmt.Errorf("controller %s still holds authority", otherID)
		}
	}
	if cur.Authoritative() {
		r.mu.Unlock()
		return nil
	}

	next := cur.Clone()
	next.Controller.Authoritative = true
	if err := r.commit(next); err != nil {
		r.mu.Unlock()
		return err
	}
	out := *next.Clone()
	r.mu.Unlock()

	r.logger.Info().Str("node_id", id).Msg("Controller promoted")
	r.notify([]Change{{Kind: ChangeAuthority, Member: out}})
	return nil
}

// Demote revokes controller authority from id
func (r *Registry) Demote(id string) error {
	r.mu.Lock()
	cur, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return &types.UnknownMemberError{NodeID: id}
	}
	if !cur.Authoritative() {
		r.mu.Unlock()
		return nil
	}

	next := cur.Clone()
	next.Controller.Authoritative = false
	if err := r.commit(next); err != nil {
		r.mu.Unlock()
		return err
	}
	out := *next.Clone()
	r.mu.Unlock()

	r.logger.Info().Str("node_id", id).Msg("Controller demoted")
	r.notify([]Change{{Kind: ChangeAuthority, Member: out}})
	return nil
}

// Get returns a copy of one member
func (r *Registry) Get(id string) (types.Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[id]
	if !ok {
		return types.Member{}, false
	}
	return *m.Clone(), true
}

// Snapshot returns an immutable, internally consistent copy of all members
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]types.Member, 0, len(r.members))
	for _, id := range r.sortedIDsLocked() {
		members = append(members, *r.members[id].Clone())
	}
	return Snapshot{members: members}
}

func (r *Registry) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
