package reconciler

import (
	"encoding/hex"
	"time"

	"github.com/cuemby/slurmsync/pkg/distribution"
	"github.com/cuemby/slurmsync/pkg/registry"
	"github.com/cuemby/slurmsync/pkg/types"
)

// MemberStatus is the externally visible state of one member
type MemberStatus struct {
	NodeID            string            `json:"node_id" yaml:"node_id"`
	Role              types.Role        `json:"role" yaml:"role"`
	Address           string            `json:"address" yaml:"address"`
	State             types.MemberState `json:"state" yaml:"state"`
	Authoritative     bool              `json:"authoritative,omitempty" yaml:"authoritative,omitempty"`
	Ready             bool              `json:"ready" yaml:"ready"`
	AppliedVersion    uint64            `json:"applied_version" yaml:"applied_version"`
	AppliedGeneration uint64            `json:"applied_generation" yaml:"applied_generation"`
	LastHeartbeat     time.Time         `json:"last_heartbeat" yaml:"last_heartbeat"`
	Task              types.TaskState   `json:"task,omitempty" yaml:"task,omitempty"`
	Demoting          bool              `json:"demoting,omitempty" yaml:"demoting,omitempty"`
	Attempts          int               `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	LastError         string            `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	NextAttempt       *time.Time        `json:"next_attempt,omitempty" yaml:"next_attempt,omitempty"`
}

// Status is the convergence query surface
type Status struct {
	Running     bool           `json:"running" yaml:"running"`
	Converged   bool           `json:"converged" yaml:"converged"`
	Halted      bool           `json:"halted" yaml:"halted"`
	HaltReason  string         `json:"halt_reason,omitempty" yaml:"halt_reason,omitempty"`
	Version     uint64         `json:"version" yaml:"version"`
	Generation  uint64         `json:"generation" yaml:"generation"`
	Digest      string         `json:"digest,omitempty" yaml:"digest,omitempty"`
	Controller  string         `json:"controller,omitempty" yaml:"controller,omitempty"`
	Generations []uint64       `json:"retained_generations" yaml:"retained_generations"`
	Members     []MemberStatus `json:"members" yaml:"members"`
}

type taskView struct {
	state       types.TaskState
	demoting    bool
	attempts    int
	lastErr     string
	nextAttempt time.Time
}

// view is the loop's state copied out for readers on other goroutines
type view struct {
	running    bool
	hasConfig  bool
	target     types.Target
	digest     []byte
	controller string
	halted     string
	tasks      map[string]taskView
}

// publishView copies loop-owned state for Status and Converged. Called on
// the loop goroutine only.
func (c *Controller) publishView() {
	v := view{running: true, tasks: make(map[string]taskView, len(c.tasks))}
	if c.current != nil {
		v.hasConfig = true
		v.target = types.Target{Version: c.current.Version, Generation: c.current.SecretGeneration}
		v.digest = append([]byte(nil), c.current.Digest...)
		v.controller = c.current.Controller.NodeID
	}
	if c.halted != nil {
		v.halted = c.halted.Error()
	}
	for id, t := range c.tasks {
		tv := taskView{state: t.state, demoting: t.kind == distribution.KindDemote, attempts: t.attempts, nextAttempt: t.nextAttempt}
		if t.lastErr != nil {
			tv.lastErr = t.lastErr.Error()
		}
		v.tasks[id] = tv
	}

	c.viewMu.Lock()
	c.view = v
	c.viewMu.Unlock()
}

func (c *Controller) snapshotView() view {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view
}

// converged checks the registry directly so a member that registered since
// the last pass withdraws convergence immediately
func converged(v view, snap registry.Snapshot) bool {
	if !v.running || !v.hasConfig || v.halted != "" {
		return false
	}
	for _, m := range snap.Active() {
		if !m.Ready || m.AppliedVersion != v.target.Version || m.AppliedGeneration != v.target.Generation {
			return false
		}
	}
	return true
}

// Converged reports whether every active member acknowledged the current
// config version and secret generation
func (c *Controller) Converged() bool {
	return converged(c.snapshotView(), c.registry.Snapshot())
}

// Status returns the convergence state and per-member detail
func (c *Controller) Status() Status {
	v := c.snapshotView()
	snap := c.registry.Snapshot()

	st := Status{
		Running:    v.running,
		Converged:  converged(v, snap),
		Halted:     v.halted != "",
		HaltReason: v.halted,
		Version:    v.target.Version,
		Generation: v.target.Generation,
		Controller: v.controller,
		Members:    make([]MemberStatus, 0, snap.Len()),
	}
	if len(v.digest) > 0 {
		st.Digest = hex.EncodeToString(v.digest)
	}
	for _, g := range c.secrets.Generations() {
		st.Generations = append(st.Generations, g.Generation)
	}

	for _, m := range snap.Members() {
		ms := MemberStatus{
			NodeID:            m.ID,
			Role:              m.Role,
			Address:           m.Address,
			State:             m.State,
			Authoritative:     m.Authoritative(),
			Ready:             m.Ready,
			AppliedVersion:    m.AppliedVersion,
			AppliedGeneration: m.AppliedGeneration,
			LastHeartbeat:     m.LastHeartbeat,
		}
		if tv, ok := v.tasks[m.ID]; ok {
			ms.Task = tv.state
			ms.Demoting = tv.demoting
			ms.Attempts = tv.attempts
			ms.LastError = tv.lastErr
			if !tv.nextAttempt.IsZero() && tv.state == types.TaskStateFailed {
				next := tv.nextAttempt
				ms.NextAttempt = &next
			}
		}
		st.Members = append(st.Members, ms)
	}
	return st
}

// Current returns the last published config, if any
func (c *Controller) Current() (*types.ClusterConfig, error) {
	v := c.snapshotView()
	if !v.hasConfig {
		return c.store.LatestConfig()
	}
	return c.store.GetConfig(v.target.Version)
}
