package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Component names reported by the manager and the agent
const (
	ComponentStore      = "store"
	ComponentRaft       = "raft"
	ComponentReconciler = "reconciler"
	ComponentAPI        = "api"
	ComponentReceiver   = "receiver"
)

// Health is the body of /health and of the agent's /ready
type Health struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
	// Waiting lists required components that are missing or unhealthy
	Waiting []string `json:"waiting,omitempty"`
	Version string   `json:"version,omitempty"`
	Uptime  string   `json:"uptime"`
}

type component struct {
	healthy bool
	message string
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]component
	required   []string
	started    time.Time
	version    string
}

func newHealthRegistry() *healthRegistry {
	return &healthRegistry{
		components: make(map[string]component),
		required:   []string{ComponentStore, ComponentRaft, ComponentAPI},
		started:    time.Now(),
	}
}

var health = newHealthRegistry()

// SetVersion sets the build version reported with health
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// SetComponent records whether a component is working. message explains an
// unhealthy state, or qualifies a healthy one (e.g. "follower").
func SetComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components[name] = component{healthy: healthy, message: message}
}

// RequireComponents replaces the components readiness waits for
func RequireComponents(names ...string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.required = append([]string(nil), names...)
}

// CheckHealth reports every known component. It is "healthy" unless one of
// them reported a failure.
func CheckHealth() Health {
	health.mu.RLock()
	defer health.mu.RUnlock()

	h := health.report()
	h.Status = "healthy"
	for _, c := range health.components {
		if !c.healthy {
			h.Status = "unhealthy"
		}
	}
	return h
}

// CheckReady reports "ready" once every required component registered healthy
func CheckReady() Health {
	health.mu.RLock()
	defer health.mu.RUnlock()

	h := health.report()
	for _, name := range health.required {
		if c, ok := health.components[name]; !ok || !c.healthy {
			h.Waiting = append(h.Waiting, name)
		}
	}
	sort.Strings(h.Waiting)
	h.Status = "ready"
	if len(h.Waiting) > 0 {
		h.Status = "not ready"
	}
	return h
}

// report must be called with mu held
func (r *healthRegistry) report() Health {
	h := Health{
		Components: make(map[string]string, len(r.components)),
		Version:    r.version,
		Uptime:     time.Since(r.started).Truncate(time.Second).String(),
	}
	for name, c := range r.components {
		state := "healthy"
		if !c.healthy {
			state = "unhealthy"
		}
		if c.message != "" {
			state += ": " + c.message
		}
		h.Components[name] = state
	}
	return h
}

func writeHealth(w http.ResponseWriter, h Health, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

// HealthHandler serves /health: 503 while any component is unhealthy
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := CheckHealth()
		writeHealth(w, h, h.Status == "healthy")
	}
}

// ReadyHandler serves /ready gated on the required components
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := CheckReady()
		writeHealth(w, h, h.Status == "ready")
	}
}

// LivenessHandler answers 200 for as long as the process serves HTTP
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, Health{Status: "alive", Uptime: time.Since(health.started).Truncate(time.Second).String()}, true)
	}
}
