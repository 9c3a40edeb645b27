package reconciler

import (
	"fmt"
	"time"
)

// Policy holds the operator-tunable timing of reconciliation. Every field is
// required; config.Default carries the stock values.
type Policy struct {
	// RetryBase is the delay before the first retry of a failed push
	RetryBase time.Duration `yaml:"retry_base"`
	// RetryCeiling caps the exponential backoff
	RetryCeiling time.Duration `yaml:"retry_ceiling"`
	// HandoffTimeout bounds each controller handoff barrier
	HandoffTimeout time.Duration `yaml:"handoff_timeout"`
	// PushTimeout bounds a single push attempt
	PushTimeout time.Duration `yaml:"push_timeout"`
	// HeartbeatTimeout is how long a silent member stays active
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	// DepartureHold is how long a presumed-departed member is kept before removal
	DepartureHold time.Duration `yaml:"departure_hold"`
	// SweepInterval is the period of liveness sweeps
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Workers bounds concurrent pushes
	Workers int `yaml:"workers"`
}

// Validate checks that every field is set
func (p Policy) Validate() error {
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"retry_base", p.RetryBase},
		{"retry_ceiling", p.RetryCeiling},
		{"handoff_timeout", p.HandoffTimeout},
		{"push_timeout", p.PushTimeout},
		{"heartbeat_timeout", p.HeartbeatTimeout},
		{"departure_hold", p.DepartureHold},
		{"sweep_interval", p.SweepInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("policy %s must be positive", d.name)
		}
	}
	if p.RetryCeiling < p.RetryBase {
		return fmt.Errorf("policy retry_ceiling (%s) is below retry_base (%s)", p.RetryCeiling, p.RetryBase)
	}
	if p.Workers <= 0 {
		return fmt.Errorf("policy workers must be positive")
	}
	return nil
}

// Backoff returns the delay before retry number attempt (1-based):
// RetryBase doubled per attempt, capped at RetryCeiling
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.RetryCeiling || delay <= 0 {
			return p.RetryCeiling
		}
	}
	if delay > p.RetryCeiling {
		return p.RetryCeiling
	}
	return delay
}
