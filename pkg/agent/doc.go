/*
Package agent implements the slurmsync node agent.

One agent runs on every cluster member. It receives config bundles from the
manager's reconciliation loop over gRPC and keeps the node registered
through the manager's API.

# Applying Bundles

Each accepted bundle gets its own directory under the state directory:

	bundles/v<version>-g<generation>/
	  cluster.cbor    canonical config encoding, as distributed
	  auth.key        shared auth key of the bundle's secret generation (0600)
	  jwt_hs256.key   JWT signing key, controllers and slurmdbd hosts only (0600)
	  state.json      applied version, generation, digest and authority
	current -> bundles/v<version>-g<generation>

Files are written into a staging directory, which is renamed into place
before the current symlink is swapped to it. Readers of current/ never see
a mix of two bundles, and a failed write leaves the previous bundle in
force. The previous bundle directory is kept; older ones are pruned.

A bundle is accepted only when its config decodes, its digest and target
match, and its target is not older than the applied one. Re-delivery of the
applied target is acknowledged without rewriting anything, so the manager
can resume after a restart without disturbing members.

# Controller Authority

Only an activation bundle, which must name this node as the controller,
grants authority. A demote push revokes it, and so does any bundle naming a
different controller, so a controller that missed its demote still steps
down with the next config. Both paths call the matching Hooks method.

# Heartbeats

The Heartbeater joins on start, retrying with backoff, then reports the
applied version on every tick. When the manager answers that it does not
know the node, the heartbeater joins again.
*/
package agent
