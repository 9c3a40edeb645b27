/*
Package types defines the data model shared by every slurmsync component.

# Members

A Member is a registered node playing exactly one role:

	controller  - the control daemon; one of them holds authority
	compute     - compute-node daemons, listed in the node topology
	database    - the accounting database daemon
	login       - login-node daemons
	gateway     - the REST gateway

Role-specific fields are carried as a tagged variant. Member.Role is the tag
and exactly one of Controller, Compute, Database, Login, Gateway is set to
match it. Code that needs role behaviour switches on Role:

	switch m.Role {
	case types.RoleController:
		if m.Controller.Authoritative { ... }
	case types.RoleCompute:
		partition := m.Compute.Partition
	}

# Versions and generations

ClusterConfig.Version and ClusterSecret.Generation are both monotonic. A
Target pairs them; a member is synced when it acknowledged the current Target.

# Errors

The error taxonomy is expressed as typed errors so callers can match them with
errors.As:

	UnknownMemberError              caller bug, surfaced
	StaleGenerationError            caller bug, surfaced
	NoAuthoritativeControllerError  invariant violation, halts distribution
	DistributionFailure             transient, retried with backoff
	HandoffTimeout                  barrier expired, alert and continue
*/
package types
