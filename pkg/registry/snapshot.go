package registry

import (
	"sort"

	"github.com/cuemby/slurmsync/pkg/types"
)

// Snapshot is a point-in-time copy of the registry, ordered by node ID.
// Its accessors return copies so a snapshot can be shared freely.
type Snapshot struct {
	members []types.Member
}

// NewSnapshot builds a snapshot from members, for synthesis outside a registry
func NewSnapshot(members []types.Member) Snapshot {
	out := make([]types.Member, 0, len(members))
	for i := range members {
		out = append(out, *members[i].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return Snapshot{members: out}
}

// Len returns the number of members
func (s Snapshot) Len() int {
	return len(s.members)
}

// Members returns every member, ordered by node ID
func (s Snapshot) Members() []types.Member {
	out := make([]types.Member, 0, len(s.members))
	for i := range s.members {
		out = append(out, *s.members[i].Clone())
	}
	return out
}

// Get returns one member by ID
func (s Snapshot) Get(id string) (types.Member, bool) {
	i := sort.Search(len(s.members), func(i int) bool { return s.members[i].ID >= id })
	if i < len(s.members) && s.members[i].ID == id {
		return *s.members[i].Clone(), true
	}
	return types.Member{}, false
}

// Active returns members that are not presumed-departed
func (s Snapshot) Active() []types.Member {
	var out []types.Member
	for i := range s.members {
		if s.members[i].Active() {
			out = append(out, *s.members[i].Clone())
		}
	}
	return out
}

// ByRole returns members with the given role, ordered by node ID
func (s Snapshot) ByRole(role types.Role) []types.Member {
	var out []types.Member
	for i := range s.members {
		if s.members[i].Role == role {
			out = append(out, *s.members[i].Clone())
		}
	}
	return out
}

// Authoritative returns the controllers currently claiming authority
func (s Snapshot) Authoritative() []types.Member {
	var out []types.Member
	for i := range s.members {
		if s.members[i].Authoritative() {
			out = append(out, *s.members[i].Clone())
		}
	}
	return out
}
