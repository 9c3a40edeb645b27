package types

import (
	"errors"
	"fmt"
	"time"
)

// UnknownMemberError is returned when an operation names a node that was never registered
type UnknownMemberError struct {
	NodeID string
}

func (e *UnknownMemberError) Error() string {
	return fmt.Sprintf("unknown member: %s", e.NodeID)
}

// StaleGenerationError is returned when a secret generation is retired out of order
type StaleGenerationError struct {
	Generation uint64
	Oldest     uint64
	Reason     string
}

func (e *StaleGenerationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot retire secret generation %d: %s", e.Generation, e.Reason)
	}
	return fmt.Sprintf("cannot retire secret generation %d: oldest retained generation is %d", e.Generation, e.Oldest)
}

// NoAuthoritativeControllerError is an invariant violation: zero or several
// controllers claim authority, so no valid configuration can be synthesized
type NoAuthoritativeControllerError struct {
	Claimants []string
}

func (e *NoAuthoritativeControllerError) Error() string {
	if len(e.Claimants) == 0 {
		return "no authoritative controller"
	}
	return fmt.Sprintf("multiple controllers claim authority: %v", e.Claimants)
}

// Ambiguous reports whether more than one controller claimed authority
func (e *NoAuthoritativeControllerError) Ambiguous() bool {
	return len(e.Claimants) > 1
}

// DistributionFailure is a transient, per-member push failure
type DistributionFailure struct {
	NodeID string
	Target Target
	Err    error
}

func (e *DistributionFailure) Error() string {
	return fmt.Sprintf("distribution of %s to %s failed: %v", e.Target, e.NodeID, e.Err)
}

func (e *DistributionFailure) Unwrap() error {
	return e.Err
}

// HandoffTimeout is raised when the old controller did not acknowledge demotion
// (or the new one activation) before the barrier expired
type HandoffTimeout struct {
	Phase   string
	NodeID  string
	Timeout time.Duration
	Err     error
}

func (e *HandoffTimeout) Error() string {
	return fmt.Sprintf("controller handoff %s of %s did not complete within %s: %v", e.Phase, e.NodeID, e.Timeout, e.Err)
}

func (e *HandoffTimeout) Unwrap() error {
	return e.Err
}

// IsUnknownMember reports whether err is, or wraps, an UnknownMemberError
func IsUnknownMember(err error) bool {
	var target *UnknownMemberError
	return errors.As(err, &target)
}

// IsStaleGeneration reports whether err is, or wraps, a StaleGenerationError
func IsStaleGeneration(err error) bool {
	var target *StaleGenerationError
	return errors.As(err, &target)
}

// IsNoAuthoritativeController reports whether err is, or wraps, a NoAuthoritativeControllerError
func IsNoAuthoritativeController(err error) bool {
	var target *NoAuthoritativeControllerError
	return errors.As(err, &target)
}
