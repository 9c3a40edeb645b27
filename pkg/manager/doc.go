/*
Package manager replicates the manager's durable state with Raft consensus.

Managers form a Raft quorum. Every write to the member registry, the secret
generations and the published configs is proposed as a Command and applied
by the FSM to each manager's local BoltDB store:

	┌──────────────── MANAGER NODE ────────────────┐
	│                                              │
	│   registry / secretstore / reconciler        │
	│                     │                        │
	│                     ▼                        │
	│   ReplicatedStore (writes via raft.Apply,    │
	│                    reads from local store)   │
	│                     │                        │
	│                     ▼                        │
	│   Raft log ──► FSM.Apply ──► BoltStore       │
	└──────────────────────────────────────────────┘

Only the leader can write. WatchLeadership tells the caller when to start
and stop the reconciliation loop; a new leader reloads the registry and the
secret generations from its local copy before reconciling, so membership and
published versions survive failover.

# Joining

The first manager calls Bootstrap. Additional managers call Start and are
added by the leader through AddVoter once they present a join token from
GenerateJoinToken. Tokens live in the leader's memory only.

# Snapshots

FSM snapshots hold members, secret generations (still sealed) and the
latest published config, encoded as JSON.
*/
package manager
