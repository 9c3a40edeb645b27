package metrics

import (
	"testing"

	"github.com/cuemby/slurmsync/pkg/registry"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type staticMembers []types.Member

func (s staticMembers) Snapshot() registry.Snapshot {
	return registry.NewSnapshot(s)
}

type staticSecrets []types.ClusterSecret

func (s staticSecrets) Generations() []types.ClusterSecret {
	return s
}

type staticRaft struct{}

func (staticRaft) IsLeader() bool       { return true }
func (staticRaft) AppliedIndex() uint64 { return 42 }
func (staticRaft) Peers() int           { return 3 }

func TestCollectorCollect(t *testing.T) {
	members := staticMembers{
		{ID: "c1", Role: types.RoleController, State: types.MemberStateActive, Ready: true},
		{ID: "n1", Role: types.RoleCompute, State: types.MemberStateActive, Ready: true},
		{ID: "n2", Role: types.RoleCompute, State: types.MemberStateActive},
		{ID: "n3", Role: types.RoleCompute, State: types.MemberStatePresumedDeparted, Ready: true},
	}
	secrets := staticSecrets{{Generation: 4}, {Generation: 5}}

	c := NewCollector(members, secrets, staticRaft{})
	c.Collect()

	assert.Equal(t, 2.0, testutil.ToFloat64(MembersTotal.WithLabelValues("compute", "active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(MembersTotal.WithLabelValues("compute", "presumed-departed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(MembersTotal.WithLabelValues("gateway", "active")))
	assert.Equal(t, 2.0, testutil.ToFloat64(MembersReady))
	assert.Equal(t, 5.0, testutil.ToFloat64(SecretGeneration))
	assert.Equal(t, 2.0, testutil.ToFloat64(SecretGenerationsRetained))
	assert.Equal(t, 1.0, testutil.ToFloat64(RaftLeader))
	assert.Equal(t, 42.0, testutil.ToFloat64(RaftAppliedIndex))
	assert.Equal(t, 3.0, testutil.ToFloat64(RaftPeers))
}
