/*
Package api implements the manager's gRPC API.

Agents report membership through it, operators query convergence and the
published config, and additional managers join the Raft cluster through it.
The service is described by a hand-written grpc.ServiceDesc and its messages
are plain Go structs encoded with the cbor codec registered by the
distribution package, the same wire format the manager uses to push bundles.

# Methods

	SubmitMembership   membership event (join, leave, heartbeat)
	GetStatus          convergence status and per-member detail
	GetConfig          current published config
	ListEvents         recent controller events
	RotateSecret       create a new auth secret generation
	PromoteController  hand authority to another controller
	CreateJoinToken    issue a single-use manager join token
	JoinCluster        add a manager as a Raft voter
	GetReady           convergence readiness

Every method except ListEvents and GetReady is served by the Raft leader
only. LeaderInterceptor answers Unavailable on followers and puts the
leader's Raft address in the slurmsync-leader trailer.

# Errors

An unknown member maps to NotFound, a stale secret generation to
FailedPrecondition, a broken controller invariant to Internal, a rejected
join token to Unauthenticated and a malformed request to InvalidArgument.

# Local Socket

ServeLocal exposes the service on a Unix socket behind ReadOnlyInterceptor,
which only admits Get and List methods.

# HTTP

StartHTTP serves what service managers and Prometheus scrape:

	GET /ready    200 only when the cluster has converged
	GET /health   component health
	GET /livez    liveness
	GET /metrics  Prometheus metrics
*/
package api
