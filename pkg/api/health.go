package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// readyHandler implements the /ready endpoint.
// It answers 200 only when every active member holds the current config
// version and secret generation.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	resp := s.readiness()
	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "ready" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// readiness checks Raft leadership and convergence
func (s *Server) readiness() ReadyResponse {
	checks := make(map[string]string)
	ready := true
	var message string

	// Check 1: Raft
	if s.cluster != nil {
		if s.cluster.IsLeader() {
			checks["raft"] = "leader"
		} else {
			ready = false
			if leaderAddr := s.cluster.LeaderAddr(); leaderAddr != "" {
				checks["raft"] = fmt.Sprintf("follower (leader: %s)", leaderAddr)
				message = "Convergence is reported by the leader"
			} else {
				checks["raft"] = "no leader elected"
				message = "Waiting for leader election"
			}
		}
	}

	// Check 2: Convergence
	resp := ReadyResponse{Timestamp: time.Now(), Checks: checks}
	c := s.currentController()
	switch {
	case c == nil:
		checks["controller"] = "not running"
		ready = false
		if message == "" {
			message = "Controller not running"
		}
	default:
		st := c.Status()
		resp.Version = st.Version
		resp.Converged = st.Converged
		switch {
		case st.Halted:
			checks["controller"] = "halted: " + st.HaltReason
			ready = false
			message = "Distribution halted"
		case !st.Converged:
			checks["controller"] = "converging"
			ready = false
			if message == "" {
				message = "Waiting for members to apply the current config"
			}
		default:
			checks["controller"] = "converged"
		}
	}

	resp.Status = "ready"
	if !ready {
		resp.Status = "not ready"
		resp.Message = message
	}
	return resp
}
