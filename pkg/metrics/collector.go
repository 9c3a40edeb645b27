package metrics

import (
	"time"

	"github.com/cuemby/slurmsync/pkg/registry"
	"github.com/cuemby/slurmsync/pkg/types"
)

// MembershipSource exposes registry snapshots
type MembershipSource interface {
	Snapshot() registry.Snapshot
}

// SecretSource exposes retained secret generations
type SecretSource interface {
	Generations() []types.ClusterSecret
}

// RaftSource exposes replication state
type RaftSource interface {
	IsLeader() bool
	AppliedIndex() uint64
	Peers() int
}

// Collector periodically samples gauges that are cheaper to poll than to
// maintain on every mutation
type Collector struct {
	members  MembershipSource
	secrets  SecretSource
	raft     RaftSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector. raft may be nil on a single manager.
func NewCollector(members MembershipSource, secrets SecretSource, raft RaftSource) *Collector {
	return &Collector{
		members:  members,
		secrets:  secrets,
		raft:     raft,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples every source once
func (c *Collector) Collect() {
	if c.members != nil {
		c.collectMemberMetrics()
	}
	if c.secrets != nil {
		c.collectSecretMetrics()
	}
	if c.raft != nil {
		c.collectRaftMetrics()
	}
}

func (c *Collector) collectMemberMetrics() {
	counts := make(map[types.Role]map[types.MemberState]int)
	for _, role := range types.Roles {
		counts[role] = map[types.MemberState]int{
			types.MemberStateActive:           0,
			types.MemberStatePresumedDeparted: 0,
		}
	}

	ready := 0
	for _, m := range c.members.Snapshot().Members() {
		if counts[m.Role] == nil {
			continue
		}
		counts[m.Role][m.State]++
		if m.Active() && m.Ready {
			ready++
		}
	}

	for role, states := range counts {
		for state, count := range states {
			MembersTotal.WithLabelValues(string(role), string(state)).Set(float64(count))
		}
	}
	MembersReady.Set(float64(ready))
}

func (c *Collector) collectSecretMetrics() {
	generations := c.secrets.Generations()
	SecretGenerationsRetained.Set(float64(len(generations)))
	if len(generations) > 0 {
		SecretGeneration.Set(float64(generations[len(generations)-1].Generation))
	}
}

func (c *Collector) collectRaftMetrics() {
	BoolGauge(RaftLeader, c.raft.IsLeader())
	RaftAppliedIndex.Set(float64(c.raft.AppliedIndex()))
	RaftPeers.Set(float64(c.raft.Peers()))
}
