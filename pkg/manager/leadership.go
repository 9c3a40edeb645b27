package manager

import (
	"context"
	"time"
)

// barrierTimeout bounds the wait for a new leader to apply its backlog
const barrierTimeout = 10 * time.Second

// WatchLeadership calls onChange(true) each time this manager gains
// leadership, after every preceding log entry is applied locally, and
// onChange(false) each time it loses it. It returns when ctx is done, calling
// onChange(false) first if the manager was leading.
func (m *Manager) WatchLeadership(ctx context.Context, onChange func(leader bool)) {
	ch := m.LeaderCh()
	leading := false

	for {
		select {
		case <-ctx.Done():
			if leading {
				onChange(false)
			}
			return
		case isLeader, ok := <-ch:
			if !ok {
				return
			}
			if isLeader == leading {
				continue
			}
			if isLeader {
				if err := m.Barrier(barrierTimeout); err != nil {
					m.logger.Error().Err(err).Msg("Leader barrier failed, not taking over")
					continue
				}
				m.logger.Info().Msg("Gained leadership")
			} else {
				m.logger.Warn().Msg("Lost leadership")
			}
			leading = isLeader
			onChange(isLeader)
		}
	}
}
