package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/slurmsync/pkg/distribution"
	"github.com/cuemby/slurmsync/pkg/events"
	"github.com/cuemby/slurmsync/pkg/log"
	"github.com/cuemby/slurmsync/pkg/metrics"
	"github.com/cuemby/slurmsync/pkg/registry"
	"github.com/cuemby/slurmsync/pkg/secretstore"
	"github.com/cuemby/slurmsync/pkg/storage"
	"github.com/cuemby/slurmsync/pkg/synth"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

type triggerKind string

const (
	triggerStart      triggerKind = "start"
	triggerMembership triggerKind = "membership"
	triggerRotation   triggerKind = "rotation"
	triggerPromote    triggerKind = "promote"
	triggerRetry      triggerKind = "retry"
)

// trigger is one entry on the loop's queue
type trigger struct {
	kind   triggerKind
	change registry.Change
	nodeID string
	seq    uint64
	reply  chan error
}

// task is "member X must reach target T". Owned by the loop goroutine.
type task struct {
	nodeID      string
	target      types.Target
	kind        distribution.Kind
	state       types.TaskState
	seq         uint64
	attempts    int
	due         bool
	lastErr     error
	nextAttempt time.Time
	cancel      context.CancelFunc
	timer       *time.Timer
}

type result struct {
	nodeID string
	seq    uint64
	kind   distribution.Kind
	ack    distribution.Ack
	err    error
}

// Deps are the collaborators a Controller drives
type Deps struct {
	Registry    *registry.Registry
	Secrets     *secretstore.Store
	Synthesizer *synth.Synthesizer
	Channel     distribution.Channel
	// Store keeps published configs so versions survive restarts
	Store  storage.Store
	Events *events.Broker
	Policy Policy
	// Now overrides the clock used for liveness sweeps, for tests
	Now func() time.Time
}

// Controller is the reconciliation loop. A single goroutine owns all task
// state; membership changes, rotations, promotions and retry timers reach it
// through a coalescing queue, and push results come back on a channel.
type Controller struct {
	registry *registry.Registry
	secrets  *secretstore.Store
	synth    *synth.Synthesizer
	guard    *distribution.Guard
	store    storage.Store
	events   *events.Broker
	policy   Policy
	now      func() time.Time
	logger   zerolog.Logger

	qmu     sync.Mutex
	pending []trigger
	wake    chan struct{}

	results chan result
	sem     *semaphore.Weighted

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Owned by the loop goroutine
	ctx        context.Context
	tasks      map[string]*task
	current    *types.ClusterConfig
	bundle     distribution.Bundle
	activating string
	demoting   map[string]bool // former controllers whose demote barrier expired
	halted     error
	converged  bool
	seq        uint64

	viewMu sync.RWMutex
	view   view
}

// New creates a controller and subscribes it to registry changes
func New(deps Deps) (*Controller, error) {
	if deps.Registry == nil || deps.Secrets == nil || deps.Synthesizer == nil || deps.Channel == nil || deps.Store == nil {
		return nil, fmt.Errorf("registry, secrets, synthesizer, channel and store are required")
	}
	if err := deps.Policy.Validate(); err != nil {
		return nil, err
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	c := &Controller{
		registry: deps.Registry,
		secrets:  deps.Secrets,
		synth:    deps.Synthesizer,
		guard:    distribution.NewGuard(deps.Channel),
		store:    deps.Store,
		events:   deps.Events,
		policy:   deps.Policy,
		now:      deps.Now,
		logger:   log.WithComponent("reconciler"),
		wake:     make(chan struct{}, 1),
		results:  make(chan result, deps.Policy.Workers),
		sem:      semaphore.NewWeighted(int64(deps.Policy.Workers)),
	}
	c.registry.Subscribe(c.onChange)
	return c, nil
}

// Start runs the loop until ctx is cancelled or Stop is called. A stopped
// controller can be started again, e.g. when leadership returns.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return fmt.Errorf("controller already running")
	}

	latest, err := c.store.LatestConfig()
	if err != nil {
		return fmt.Errorf("failed to load latest config: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.ctx = runCtx
	c.cancel = cancel
	c.done = make(chan struct{})
	c.tasks = make(map[string]*task)
	c.current = latest
	c.bundle = distribution.Bundle{}
	c.activating = ""
	c.demoting = make(map[string]bool)
	c.halted = nil
	c.converged = false
	c.running = true

	c.viewMu.Lock()
	c.view = view{running: true}
	c.viewMu.Unlock()

	if latest != nil {
		c.logger.Info().Uint64("version", latest.Version).Msg("Resuming from published config")
	}

	c.enqueue(trigger{kind: triggerStart})
	go c.run(runCtx, c.done)
	return nil
}

// Stop stops the loop and cancels in-flight pushes
func (c *Controller) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if !c.running {
		return
	}
	c.cancel()
	<-c.done
	c.running = false

	c.viewMu.Lock()
	c.view.running = false
	c.viewMu.Unlock()
	metrics.Converged.Set(0)
}

// Submit applies a membership notification from the integration layer
func (c *Controller) Submit(ev types.MembershipEvent) error {
	var err error
	switch ev.Action {
	case types.ActionJoin:
		_, err = c.registry.Register(ev.Member())
	case types.ActionLeave:
		_, err = c.registry.Deregister(ev.NodeID)
	case types.ActionHeartbeat:
		// Never record a version this manager has not published.
		applied := ev.AppliedVersion
		if latest := c.latestVersion(); applied > latest {
			applied = latest
		}
		_, err = c.registry.Heartbeat(ev.NodeID, applied)
	default:
		err = fmt.Errorf("unknown membership action %q", ev.Action)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.MembershipEventsTotal.WithLabelValues(string(ev.Action), outcome).Inc()
	return err
}

// RotateSecret creates a new secret generation and schedules redistribution
func (c *Controller) RotateSecret() (uint64, error) {
	secret, err := c.secrets.Rotate()
	if err != nil {
		return 0, err
	}
	metrics.SecretRotationsTotal.Inc()
	metrics.SecretGeneration.Set(float64(secret.Generation))
	c.emit(events.EventSecretRotated, events.SeverityInfo,
		fmt.Sprintf("cluster secret rotated to generation %d", secret.Generation),
		map[string]string{"generation": fmt.Sprint(secret.Generation)})

	c.enqueue(trigger{kind: triggerRotation})
	return secret.Generation, nil
}

// Promote hands controller authority to nodeID. It returns once the old
// controller was demoted (or its barrier expired) and the registry records
// the new authority; activation and distribution continue asynchronously.
func (c *Controller) Promote(ctx context.Context, nodeID string) error {
	c.runMu.Lock()
	running, done := c.running, c.done
	c.runMu.Unlock()
	if !running {
		return fmt.Errorf("controller is not running")
	}

	reply := make(chan error, 1)
	c.enqueue(trigger{kind: triggerPromote, nodeID: nodeID, reply: reply})

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return fmt.Errorf("controller stopped")
	}
}

// enqueue appends t and wakes the loop. It never blocks.
func (c *Controller) enqueue(t trigger) {
	c.qmu.Lock()
	c.pending = append(c.pending, t)
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) onChange(ch registry.Change) {
	m := ch.Member
	meta := map[string]string{"node_id": m.ID, "role": string(m.Role)}
	switch ch.Kind {
	case registry.ChangeJoined:
		c.emit(events.EventMemberJoined, events.SeverityInfo, fmt.Sprintf("member %s registered", m.ID), meta)
	case registry.ChangeLeft:
		c.emit(events.EventMemberLeft, events.SeverityInfo, fmt.Sprintf("member %s left", m.ID), meta)
	case registry.ChangeRevived:
		c.emit(events.EventMemberRevived, events.SeverityInfo, fmt.Sprintf("member %s is heartbeating again", m.ID), meta)
	case registry.ChangePresumedDeparted:
		c.emit(events.EventMemberPresumedDeparted, events.SeverityWarning, fmt.Sprintf("member %s missed heartbeats", m.ID), meta)
		if m.Authoritative() {
			// Authority stays put for the departure hold; a partitioned
			// controller may still be serving. Failover is an explicit promote.
			c.emit(events.EventControllerUnreachable, events.SeverityCritical,
				fmt.Sprintf("authoritative controller %s missed heartbeats, promote a standby to fail over", m.ID), meta)
		}
	case registry.ChangeControllerLost:
		c.emit(events.EventControllerLost, events.SeverityCritical, fmt.Sprintf("authoritative controller %s is gone", m.ID), meta)
	}
	c.enqueue(trigger{kind: triggerMembership, change: ch})
}

func (c *Controller) emit(t events.EventType, sev events.Severity, msg string, meta map[string]string) {
	if c.events == nil {
		return
	}
	c.events.Publish(&events.Event{Type: t, Severity: sev, Message: msg, Metadata: meta})
}

// run is the main reconciliation loop
func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.policy.SweepInterval)
	defer ticker.Stop()
	defer c.shutdown()

	c.logger.Info().Int("workers", c.policy.Workers).Msg("Reconciliation loop started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Reconciliation loop stopped")
			return
		case <-c.wake:
			c.drain()
		case r := <-c.results:
			c.handleResult(r)
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Controller) shutdown() {
	for _, t := range c.tasks {
		c.cancelTask(t)
	}
}

// drain handles every queued trigger, then runs one reconciliation pass
func (c *Controller) drain() {
	c.qmu.Lock()
	batch := c.pending
	c.pending = nil
	c.qmu.Unlock()

	if len(batch) == 0 {
		return
	}

	for _, t := range batch {
		switch t.kind {
		case triggerMembership:
			c.observe(t.change)
		case triggerRetry:
			if tk := c.tasks[t.nodeID]; tk != nil && tk.seq == t.seq && tk.state == types.TaskStateFailed {
				tk.due = true
			}
		case triggerPromote:
			t.reply <- c.handoff(t.nodeID)
		}
	}

	c.reconcile()
}

// observe drops task state a membership change invalidated
func (c *Controller) observe(ch registry.Change) {
	id := ch.Member.ID
	switch ch.Kind {
	case registry.ChangeJoined, registry.ChangeLeft:
		// A (re-)registered member may have lost its state on disk.
		c.guard.Forget(id)
		c.dropTask(id)
		delete(c.demoting, id)
	case registry.ChangePresumedDeparted:
		c.dropTask(id)
	case registry.ChangeControllerLost:
		c.logger.Warn().Str("node_id", id).Msg("Authoritative controller lost")
	}
}

func (c *Controller) dropTask(id string) {
	if t, ok := c.tasks[id]; ok {
		c.cancelTask(t)
		delete(c.tasks, id)
	}
}

func (c *Controller) cancelTask(t *task) {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// sweep presumes silent members departed, removes long-departed ones and
// retires grace-expired secret generations
func (c *Controller) sweep() {
	now := c.now()
	c.registry.Sweep(now, c.policy.HeartbeatTimeout)
	c.registry.Expire(now, c.policy.DepartureHold)
	c.retireSecrets(c.registry.Snapshot())
	c.publishView()
}

func (c *Controller) latestVersion() uint64 {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view.target.Version
}
