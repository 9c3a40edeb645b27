package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/slurmsync/pkg/distribution"
	"github.com/cuemby/slurmsync/pkg/events"
	"github.com/cuemby/slurmsync/pkg/metrics"
	"github.com/cuemby/slurmsync/pkg/registry"
	"github.com/cuemby/slurmsync/pkg/types"
)

// reconcile performs one pass: snapshot, synthesize, plan, distribute
func (c *Controller) reconcile() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	snap := c.registry.Snapshot()
	if c.ensureAuthority(snap) {
		snap = c.registry.Snapshot()
	}

	secret := c.secrets.Current()
	cfg, changed, err := c.synth.Synthesize(snap, secret.Generation, c.current)
	if err != nil {
		c.halt(err)
		c.evaluate()
		return
	}
	c.resume()

	if changed {
		if err := c.store.PutConfig(&cfg); err != nil {
			c.logger.Error().Err(err).Uint64("version", cfg.Version).Msg("Failed to persist config, withholding distribution")
			c.evaluate()
			return
		}
		published := cfg
		c.current = &published
		metrics.ConfigVersion.Set(float64(cfg.Version))
		c.logger.Info().
			Uint64("version", cfg.Version).
			Uint64("generation", cfg.SecretGeneration).
			Str("controller", cfg.Controller.NodeID).
			Int("nodes", len(cfg.Nodes)).
			Msg("Published config")
		c.emit(events.EventConfigPublished, events.SeverityInfo,
			fmt.Sprintf("config version %d published", cfg.Version),
			map[string]string{"version": fmt.Sprint(cfg.Version), "generation": fmt.Sprint(cfg.SecretGeneration)})
	}

	target := types.Target{Version: c.current.Version, Generation: c.current.SecretGeneration}
	if c.bundle.Target() != target || len(c.bundle.Config) == 0 {
		// The referenced generation must still be retained before anything ships.
		gen, ok := c.secrets.Get(c.current.SecretGeneration)
		if !ok {
			c.logger.Error().Uint64("generation", c.current.SecretGeneration).Msg("Config references a retired secret generation")
			c.evaluate()
			return
		}
		bundle, err := distribution.NewBundle(c.current, gen)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to build bundle")
			c.evaluate()
			return
		}
		c.bundle = bundle
	}

	c.plan(snap, target)
	c.activate(snap)
	c.dispatch(snap)
	c.evaluate()
}

// ensureAuthority promotes the lowest-id active controller when no
// controller holds authority. It reports whether the registry changed.
func (c *Controller) ensureAuthority(snap registry.Snapshot) bool {
	if len(snap.Authoritative()) != 0 {
		return false
	}
	for _, m := range snap.ByRole(types.RoleController) {
		if !m.Active() {
			continue
		}
		c.logger.Info().Str("node_id", m.ID).Msg("No authoritative controller, selecting lowest-id active controller")
		if err := c.handoff(m.ID); err != nil {
			c.logger.Error().Err(err).Str("node_id", m.ID).Msg("Automatic controller promotion failed")
			return false
		}
		return true
	}
	return false
}

// plan makes sure every active member has a task for target. Tasks for an
// older target are superseded and their in-flight pushes cancelled.
func (c *Controller) plan(snap registry.Snapshot, target types.Target) {
	active := make(map[string]bool)
	for _, m := range snap.Active() {
		active[m.ID] = true

		t := c.tasks[m.ID]
		if c.demoting[m.ID] {
			c.planDemote(m, t, target)
			continue
		}
		if t != nil && t.target == target {
			continue
		}
		if t != nil {
			c.cancelTask(t)
		}

		next := &task{nodeID: m.ID, target: target, kind: distribution.KindConfig, state: types.TaskStatePending}
		if m.ID == c.activating {
			next.kind = distribution.KindActivate
		}
		switch {
		case m.Ready && m.AppliedVersion == target.Version && m.AppliedGeneration == target.Generation:
			// Acknowledged before a restart or leadership change.
			next.state = types.TaskStateAcked
		case m.Ready:
			if err := c.registry.MarkUnready(m.ID); err != nil {
				c.logger.Warn().Err(err).Str("node_id", m.ID).Msg("Failed to clear readiness")
			}
		}
		c.tasks[m.ID] = next
	}

	for id := range c.tasks {
		if !active[id] {
			c.dropTask(id)
		}
	}
}

// planDemote keeps a demote task for a former controller that never
// acknowledged its barrier. The config task replaces it once it acks.
func (c *Controller) planDemote(m types.Member, t *task, target types.Target) {
	if m.Ready {
		if err := c.registry.MarkUnready(m.ID); err != nil {
			c.logger.Warn().Err(err).Str("node_id", m.ID).Msg("Failed to clear readiness")
		}
	}
	if t != nil && t.kind == distribution.KindDemote {
		t.target = target
		return
	}
	if t != nil {
		c.cancelTask(t)
	}
	c.tasks[m.ID] = &task{nodeID: m.ID, target: target, kind: distribution.KindDemote, state: types.TaskStatePending}
}

// activate delivers the first config naming a newly promoted controller to
// that controller, before anyone else sees it. The wait is bounded by the
// handoff timeout; on expiry the handoff proceeds and the push is retried.
func (c *Controller) activate(snap registry.Snapshot) {
	if c.activating == "" {
		return
	}
	id := c.activating
	c.activating = ""

	t := c.tasks[id]
	m, ok := snap.Get(id)
	if t == nil || !ok || t.state == types.TaskStateAcked {
		return
	}
	c.cancelTask(t)
	c.seq++
	t.seq = c.seq
	t.state = types.TaskStateInFlight

	p := distribution.Payload{Kind: distribution.KindActivate, Bundle: c.bundle.ForRole(m.Role)}
	ack, err := c.barrier(m, p)
	if err == nil {
		metrics.HandoffsTotal.WithLabelValues("activated").Inc()
		c.acked(t, ack)
		return
	}

	timeout := &types.HandoffTimeout{Phase: "activate", NodeID: id, Timeout: c.policy.HandoffTimeout, Err: err}
	c.handoffAlert(timeout)
	c.failed(t, err)
}

// dispatch starts pushes for pending tasks and failed tasks whose backoff elapsed
func (c *Controller) dispatch(snap registry.Snapshot) {
	ids := make([]string, 0, len(c.tasks))
	for id := range c.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		t := c.tasks[id]
		if t.state != types.TaskStatePending && !(t.state == types.TaskStateFailed && t.due) {
			continue
		}
		m, ok := snap.Get(id)
		if !ok {
			continue
		}
		c.start(t, m)
	}
}

func (c *Controller) start(t *task, m types.Member) {
	c.cancelTask(t)
	c.seq++
	t.seq = c.seq
	t.state = types.TaskStateInFlight
	t.due = false

	ctx, cancel := context.WithCancel(c.ctx)
	t.cancel = cancel

	p := distribution.Payload{Kind: t.kind}
	if t.kind != distribution.KindDemote {
		p.Bundle = c.bundle.ForRole(m.Role)
	}
	go c.work(ctx, cancel, m, p, t.seq)
}

// work runs on the bounded pool and reports back to the loop
func (c *Controller) work(ctx context.Context, cancel context.CancelFunc, m types.Member, p distribution.Payload, seq uint64) {
	defer cancel()

	r := result{nodeID: m.ID, seq: seq, kind: p.Kind}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		r.err = err
	} else {
		pushCtx, pushCancel := context.WithTimeout(ctx, c.policy.PushTimeout)
		timer := metrics.NewTimer()
		r.ack, r.err = c.guard.Push(pushCtx, m, p)
		timer.ObserveDurationVec(metrics.PushDuration, string(p.Kind))
		pushCancel()
		c.sem.Release(1)
	}

	select {
	case c.results <- r:
	case <-ctx.Done():
		// Superseded or stopped; nobody is waiting for this result.
	}
}

func (c *Controller) handleResult(r result) {
	t := c.tasks[r.nodeID]
	if t == nil || t.seq != r.seq {
		return
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}

	switch {
	case r.err == nil && r.kind == distribution.KindDemote:
		metrics.PushesTotal.WithLabelValues(string(r.kind), "acked").Inc()
		c.demoted(t)
	case r.err == nil:
		metrics.PushesTotal.WithLabelValues(string(r.kind), "acked").Inc()
		if r.kind == distribution.KindActivate {
			metrics.HandoffsTotal.WithLabelValues("activated").Inc()
		}
		c.acked(t, r.ack)
	default:
		metrics.PushesTotal.WithLabelValues(string(r.kind), "failed").Inc()
		c.failed(t, r.err)
	}
	c.evaluate()
}

// demoted turns an acknowledged late demote into a config task, so the
// former controller receives the config naming its successor
func (c *Controller) demoted(t *task) {
	delete(c.demoting, t.nodeID)
	metrics.HandoffsTotal.WithLabelValues("demoted").Inc()
	c.logger.Info().Str("node_id", t.nodeID).Int("attempts", t.attempts).Msg("Former controller acknowledged demotion")

	t.kind = distribution.KindConfig
	t.state = types.TaskStatePending
	t.attempts = 0
	t.lastErr = nil
	t.nextAttempt = time.Time{}
	if m, ok := c.registry.Get(t.nodeID); ok && m.Active() {
		c.start(t, m)
	}
}

// acked records a member's acknowledgement: heartbeat with the applied
// version, then readiness
func (c *Controller) acked(t *task, ack distribution.Ack) {
	t.state = types.TaskStateAcked
	t.attempts = 0
	t.lastErr = nil
	t.nextAttempt = time.Time{}

	if _, err := c.registry.Heartbeat(t.nodeID, t.target.Version); err != nil {
		c.logger.Debug().Err(err).Str("node_id", t.nodeID).Msg("Acknowledged member no longer registered")
		return
	}
	if err := c.registry.MarkSynced(t.nodeID, t.target); err != nil {
		c.logger.Warn().Err(err).Str("node_id", t.nodeID).Msg("Failed to mark member synced")
		return
	}

	c.logger.Debug().
		Str("node_id", t.nodeID).
		Str("target", t.target.String()).
		Str("kind", string(ack.Kind)).
		Msg("Member acknowledged target")
}

// failed schedules a retry with exponential backoff, indefinitely
func (c *Controller) failed(t *task, err error) {
	t.state = types.TaskStateFailed
	t.attempts++
	t.lastErr = err
	t.due = false

	delay := c.policy.Backoff(t.attempts)
	t.nextAttempt = c.now().Add(delay)

	id, seq := t.nodeID, t.seq
	t.timer = time.AfterFunc(delay, func() {
		c.enqueue(trigger{kind: triggerRetry, nodeID: id, seq: seq})
	})

	event := c.logger.Warn()
	if errors.Is(err, distribution.ErrSuperseded) {
		event = c.logger.Error()
	}
	event.Err(err).
		Str("node_id", id).
		Str("target", t.target.String()).
		Int("attempt", t.attempts).
		Dur("retry_in", delay).
		Msg("Distribution failed, will retry")
}

// handoff demotes every other authoritative controller, waiting on each
// barrier, then grants authority to nodeID
func (c *Controller) handoff(nodeID string) error {
	snap := c.registry.Snapshot()
	next, ok := snap.Get(nodeID)
	if !ok {
		return &types.UnknownMemberError{NodeID: nodeID}
	}
	if next.Role != types.RoleController {
		return fmt.Errorf("member %s is a %s, not a controller", nodeID, next.Role)
	}
	if !next.Active() {
		return fmt.Errorf("controller %s is presumed departed", nodeID)
	}

	var olds []types.Member
	for _, m := range snap.Authoritative() {
		if m.ID != nodeID {
			olds = append(olds, m)
		}
	}
	if len(olds) == 0 && next.Authoritative() {
		return nil
	}

	for _, old := range olds {
		c.dropTask(old.ID)

		c.logger.Info().Str("node_id", old.ID).Str("successor", nodeID).Msg("Demoting controller")
		_, err := c.barrier(old, distribution.Payload{Kind: distribution.KindDemote})
		if err != nil {
			c.handoffAlert(&types.HandoffTimeout{Phase: "demote", NodeID: old.ID, Timeout: c.policy.HandoffTimeout, Err: err})
			c.demoting[old.ID] = true
		} else {
			metrics.HandoffsTotal.WithLabelValues("demoted").Inc()
			delete(c.demoting, old.ID)
		}

		if err := c.registry.Demote(old.ID); err != nil {
			return fmt.Errorf("failed to demote %s: %w", old.ID, err)
		}
	}

	if err := c.registry.Promote(nodeID); err != nil {
		return err
	}
	c.dropTask(nodeID)
	delete(c.demoting, nodeID)
	c.activating = nodeID

	c.logger.Info().Str("node_id", nodeID).Msg("Controller promoted")
	c.emit(events.EventControllerPromoted, events.SeverityInfo,
		fmt.Sprintf("controller %s is now authoritative", nodeID),
		map[string]string{"node_id": nodeID})
	return nil
}

// barrier pushes p until it is acknowledged or the handoff timeout elapses
func (c *Controller) barrier(m types.Member, p distribution.Payload) (distribution.Ack, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.policy.HandoffTimeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		timer := metrics.NewTimer()
		ack, err := c.guard.Push(ctx, m, p)
		timer.ObserveDurationVec(metrics.PushDuration, string(p.Kind))
		if err == nil {
			metrics.PushesTotal.WithLabelValues(string(p.Kind), "acked").Inc()
			return ack, nil
		}
		metrics.PushesTotal.WithLabelValues(string(p.Kind), "failed").Inc()

		select {
		case <-ctx.Done():
			return distribution.Ack{}, err
		case <-time.After(c.policy.Backoff(attempt)):
		}
	}
}

func (c *Controller) handoffAlert(timeout *types.HandoffTimeout) {
	metrics.HandoffsTotal.WithLabelValues(timeout.Phase + "_timeout").Inc()
	c.logger.Warn().Err(timeout).Str("node_id", timeout.NodeID).Str("phase", timeout.Phase).Msg("Handoff barrier expired, proceeding")
	c.emit(events.EventHandoffTimeout, events.SeverityCritical, timeout.Error(),
		map[string]string{"node_id": timeout.NodeID, "phase": timeout.Phase})
}

// halt stops distribution after an invariant violation. The alert fires once
// per distinct violation.
func (c *Controller) halt(err error) {
	repeated := c.halted != nil && c.halted.Error() == err.Error()
	c.halted = err
	metrics.Halted.Set(1)
	if repeated {
		return
	}

	metrics.InvariantViolationsTotal.Inc()
	c.logger.Error().Err(err).Msg("Invariant violation, distribution halted")
	c.emit(events.EventInvariantViolation, events.SeverityCritical, err.Error(), nil)
}

func (c *Controller) resume() {
	if c.halted == nil {
		return
	}
	c.logger.Info().Msg("Invariant restored, distribution resumed")
	c.halted = nil
	metrics.Halted.Set(0)
}

// evaluate recomputes convergence, retires secrets that are no longer
// needed and republishes the status view
func (c *Controller) evaluate() {
	converged := c.halted == nil && c.current != nil
	if converged {
		target := types.Target{Version: c.current.Version, Generation: c.current.SecretGeneration}
		for _, m := range c.registry.Snapshot().Active() {
			t := c.tasks[m.ID]
			if t == nil || t.state != types.TaskStateAcked || t.target != target {
				converged = false
				break
			}
		}
	}

	if converged && !c.converged {
		c.logger.Info().Uint64("version", c.current.Version).Msg("Cluster converged")
		c.emit(events.EventClusterConverged, events.SeverityInfo,
			fmt.Sprintf("every active member applied config version %d", c.current.Version),
			map[string]string{"version": fmt.Sprint(c.current.Version)})
	}
	c.converged = converged
	metrics.BoolGauge(metrics.Converged, converged)

	if converged {
		c.retireSecrets(c.registry.Snapshot())
	}
	c.publishView()
}

// retireSecrets retires superseded generations oldest first. A generation
// goes once every registered member applied a newer one, or once its grace
// window expired and every member still on it is presumed departed.
func (c *Controller) retireSecrets(snap registry.Snapshot) {
	for {
		gens := c.secrets.Generations()
		if len(gens) < 2 {
			return
		}
		oldest := c.secrets.Oldest()

		var lagging []types.Member
		for _, m := range snap.Members() {
			if m.AppliedGeneration <= oldest {
				lagging = append(lagging, m)
			}
		}
		if len(lagging) > 0 && !c.expired(oldest, lagging) {
			return
		}

		if err := c.secrets.Retire(oldest); err != nil {
			c.logger.Error().Err(err).Uint64("generation", oldest).Msg("Failed to retire secret generation")
			return
		}
		for id, t := range c.tasks {
			if t.target.Generation <= oldest {
				c.dropTask(id)
			}
		}

		metrics.SecretGenerationsRetained.Set(float64(len(gens) - 1))
		c.emit(events.EventSecretRetired, events.SeverityInfo,
			fmt.Sprintf("secret generation %d retired", oldest),
			map[string]string{"generation": fmt.Sprint(oldest)})
	}
}

// expired reports whether gen is past its grace window with no active member
// still depending on it
func (c *Controller) expired(gen uint64, lagging []types.Member) bool {
	for _, m := range lagging {
		if m.Active() {
			return false
		}
	}
	return !c.secrets.Valid(gen)
}
