/*
Package reconciler drives every active member to the current cluster
configuration and secret generation.

The Controller owns a single loop goroutine. Membership changes, secret
rotations, promotions and retry timers are queued and drained in batches;
each batch ends in one reconciliation pass:

	┌──────────────────────────────────────────────────────────┐
	│                    Reconciliation Pass                   │
	└────────────────┬─────────────────────────────────────────┘
	                 │
	                 ▼
	  registry snapshot ──► synthesize ──► publish (if changed)
	                                            │
	                                            ▼
	                              plan one task per active member
	                                            │
	                 ┌──────────────────────────┴───────────┐
	                 ▼                                      ▼
	      activate promoted controller            dispatch pushes on
	      (synchronous, bounded)                  the worker pool

# Tasks

A task is "member X must reach target T". A new target supersedes the old
task and cancels its in-flight push. Results carry the task's sequence
number; results for a superseded task are dropped. A failed push is retried
with exponential backoff (Policy.Backoff) indefinitely, and a failure on one
member never delays the others.

On acknowledgement the controller records the applied version through a
registry heartbeat and then marks the member Ready. Ready is therefore only
ever set for a target that was actually delivered.

# Controller Handoff

Promote demotes the current authoritative controller before anyone learns
of the new one:

 1. The old controller is sent a demote push and the handoff waits for its
    acknowledgement, bounded by Policy.HandoffTimeout.
 2. The registry records the demotion and the promotion.
 3. The next pass pushes the first config naming the new controller to the
    new controller itself, again bounded.
 4. Only then do other members receive it.

An expired barrier raises a critical handoff.timeout event and the handoff
proceeds.

When no controller holds authority the lowest-id active controller is
promoted automatically. When several claim it, synthesis fails, distribution
halts and an invariant.violation event is raised until an operator promotes
one of them.

# Convergence

Converged reports whether every active member is Ready at the current
version and generation. It reads the registry live, so a member that just
registered withdraws convergence immediately. Presumed-departed members do
not count.

Once converged, superseded secret generations are retired oldest first when
every registered member applied a newer one, or when their grace window
expired.
*/
package reconciler
