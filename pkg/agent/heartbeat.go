package agent

import (
	"context"
	"time"

	"github.com/cuemby/slurmsync/pkg/client"
	"github.com/cuemby/slurmsync/pkg/log"
	"github.com/cuemby/slurmsync/pkg/types"
	"github.com/rs/zerolog"
)

// Notifier delivers membership events to the manager. *client.Client
// satisfies it.
type Notifier interface {
	Join(ctx context.Context, ev types.MembershipEvent) error
	Heartbeat(ctx context.Context, nodeID string, appliedVersion uint64) error
	Leave(ctx context.Context, nodeID string) error
}

var _ Notifier = (*client.Client)(nil)

const (
	notifyTimeout  = 5 * time.Second
	maxJoinBackoff = 30 * time.Second
)

// Heartbeater registers the node, reports liveness with the applied config
// version on an interval, and leaves when stopped
type Heartbeater struct {
	notifier Notifier
	join     types.MembershipEvent
	interval time.Duration
	applied  func() uint64
	logger   zerolog.Logger

	// LeaveOnStop deregisters the node when Run returns. Disable it for
	// restarts so the node keeps its registry entry.
	LeaveOnStop bool
}

// NewHeartbeater creates a heartbeater. applied reports the config version
// the node currently runs.
func NewHeartbeater(notifier Notifier, join types.MembershipEvent, interval time.Duration, applied func() uint64) *Heartbeater {
	join.Action = types.ActionJoin
	return &Heartbeater{
		notifier:    notifier,
		join:        join,
		interval:    interval,
		applied:     applied,
		logger:      log.WithMember(string(join.Role), join.NodeID),
		LeaveOnStop: true,
	}
}

// Run joins, then heartbeats until ctx is done. It returns ctx.Err().
func (h *Heartbeater) Run(ctx context.Context) error {
	if err := h.register(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.beat(ctx)
		case <-ctx.Done():
			if h.LeaveOnStop {
				h.leave()
			}
			return ctx.Err()
		}
	}
}

// register joins, retrying with backoff until the manager accepts
func (h *Heartbeater) register(ctx context.Context) error {
	backoff := h.interval
	for {
		err := h.notify(ctx, func(ctx context.Context) error {
			ev := h.join
			ev.AppliedVersion = h.applied()
			return h.notifier.Join(ctx, ev)
		})
		if err == nil {
			h.logger.Info().Msg("Registered with manager")
			return nil
		}
		h.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Failed to register with manager")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxJoinBackoff {
			backoff = maxJoinBackoff
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	applied := h.applied()
	err := h.notify(ctx, func(ctx context.Context) error {
		return h.notifier.Heartbeat(ctx, h.join.NodeID, applied)
	})
	if err == nil {
		h.logger.Debug().Uint64("applied_version", applied).Msg("Heartbeat sent")
		return
	}

	// The manager forgot this node (expired or a fresh cluster): join again
	if client.IsNotFound(err) {
		h.logger.Warn().Msg("Manager does not know this node, registering again")
		if err := h.notify(ctx, func(ctx context.Context) error {
			ev := h.join
			ev.AppliedVersion = applied
			return h.notifier.Join(ctx, ev)
		}); err != nil {
			h.logger.Warn().Err(err).Msg("Failed to register with manager")
		}
		return
	}
	h.logger.Warn().Err(err).Msg("Heartbeat failed")
}

func (h *Heartbeater) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := h.notifier.Leave(ctx, h.join.NodeID); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to leave cluster")
		return
	}
	h.logger.Info().Msg("Left cluster")
}

func (h *Heartbeater) notify(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	return fn(ctx)
}
