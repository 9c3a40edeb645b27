/*
Package metrics provides Prometheus metrics and health reporting for slurmsync.

All collectors are package-level variables registered with the default
Prometheus registry at init, and exposed by Handler on the API's /metrics
route.

# Architecture

	┌──────────────────── METRICS ─────────────────────────┐
	│                                                        │
	│  event-driven (updated where things happen)            │
	│    reconciler: converged, halted, pushes, handoffs,    │
	│                invariant violations, pass duration     │
	│    api:        requests, request duration              │
	│    agent:      bundles received                        │
	│                                                        │
	│  polled (Collector, every 15s)                         │
	│    registry:   members by role/state, ready members    │
	│    secrets:    current generation, retained count      │
	│    raft:       leader, applied index, peers            │
	│                                                        │
	│  health                                                │
	│    components report healthy/unhealthy; readiness      │
	│    requires every required component                   │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

	slurmsync_members_total{role,state}            gauge
	slurmsync_members_ready                        gauge
	slurmsync_membership_events_total{action,result} counter
	slurmsync_config_version                       gauge
	slurmsync_secret_generation                    gauge
	slurmsync_secret_generations_retained          gauge
	slurmsync_secret_rotations_total               counter
	slurmsync_converged                            gauge
	slurmsync_distribution_halted                  gauge
	slurmsync_reconcile_duration_seconds           histogram
	slurmsync_pushes_total{kind,result}            counter
	slurmsync_push_duration_seconds{kind}          histogram
	slurmsync_controller_handoffs_total{outcome}   counter
	slurmsync_invariant_violations_total           counter
	slurmsync_raft_is_leader                       gauge
	slurmsync_raft_peers_total                     gauge
	slurmsync_raft_applied_index                   gauge
	slurmsync_api_requests_total{route,status}     counter
	slurmsync_api_request_duration_seconds{route}  histogram
	slurmsync_agent_bundles_total{kind,result}     counter

# Usage

Timing an operation:

	timer := metrics.NewTimer()
	ack, err := channel.Push(ctx, member, payload)
	timer.ObserveDurationVec(metrics.PushDuration, string(payload.Kind))

Reporting component health:

	metrics.SetComponent(metrics.ComponentRaft, true, "leader")
	http.Handle("/health", metrics.HealthHandler())

Note that /ready on the manager API reports convergence, not component
health; ReadyHandler is used by the agent.
*/
package metrics
