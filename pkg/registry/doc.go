/*
Package registry tracks cluster members, their liveness and their readiness.

The registry is the single source of truth for membership. It is safe for
concurrent use: mutations take a write lock and Snapshot returns a deep copy
ordered by node ID, so a reader never sees a half-applied registration.

# Liveness

Members heartbeat periodically. Sweep marks members whose heartbeat is older
than the timeout as presumed-departed; they keep their place in the
synthesized topology but are no longer pushed to or counted for convergence.
A heartbeat from a presumed-departed member revives it. Expire removes
members that stayed presumed-departed for the departure hold.

# Readiness

Only the reconciliation controller sets Ready, through MarkSynced, once a
member acknowledged the current target. Registration always clears it.

# Listeners

Subscribe registers a callback invoked for every Change after the registry
lock is released. Listeners must not block; the reconciler only enqueues a
wakeup.
*/
package registry
