package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Component names reported by the daemon
const (
	ComponentStore   = "store"
	ComponentMonitor = "monitor"
	ComponentAPI     = "api"
	ComponentProber  = "prober"
)

// MonitorComponent names the health entry of the monitor for resource.
// Every "monitor/<resource>" entry counts toward the ComponentMonitor group.
func MonitorComponent(resource string) string {
	return ComponentMonitor + "/" + resource
}

// HealthStatus is the body of the /health and /ready endpoints
type HealthStatus struct {
	Status     string            `json:"status"` // healthy, unhealthy, ready, not_ready
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker is the process-wide component health registry
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	startTime  time.Time
	version    string
}

func newHealthChecker() *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		critical:   []string{ComponentStore, ComponentMonitor, ComponentAPI},
		startTime:  time.Now(),
	}
}

var healthChecker = newHealthChecker()

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// SetCriticalComponents replaces the components /ready waits for
func SetCriticalComponents(names ...string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.critical = append([]string(nil), names...)
}

// UpdateComponent records the health of a component, registering it on
// first use
func UpdateComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// RemoveComponent forgets a component
func RemoveComponent(name string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	delete(healthChecker.components, name)
}

// GetHealth returns the overall health status. Any unhealthy component makes
// the process unhealthy.
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(healthChecker.components))
	var failing []string

	for name, comp := range healthChecker.components {
		if comp.Healthy {
			components[name] = "healthy"
			continue
		}
		status = "unhealthy"
		components[name] = "unhealthy: " + comp.Message
		failing = append(failing, name)
	}

	health := healthChecker.status(status, components)
	if len(failing) > 0 {
		sort.Strings(failing)
		health.Message = "failing: " + failing[0]
	}
	return health
}

// GetReadiness reports ready only when every critical component is
// registered and healthy. A critical name also covers its "<name>/..."
// members, all of which must be healthy.
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string, len(healthChecker.critical))

	for _, name := range healthChecker.critical {
		members := healthChecker.members(name)
		if len(members) == 0 {
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
			continue
		}
		for _, comp := range members {
			if comp.Healthy {
				components[comp.Name] = "ready"
				continue
			}
			status = "not_ready"
			message = "waiting for " + comp.Name
			components[comp.Name] = "not ready: " + comp.Message
		}
	}

	health := healthChecker.status(status, components)
	health.Message = message
	return health
}

// members returns the entries registered as name or under name/, sorted.
// Caller holds h.mu.
func (h *HealthChecker) members(name string) []ComponentHealth {
	var out []ComponentHealth
	for key, comp := range h.components {
		if key == name || strings.HasPrefix(key, name+"/") {
			out = append(out, comp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (h *HealthChecker) status(status string, components map[string]string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    h.version,
		Uptime:     time.Since(h.startTime).String(),
	}
}

// HealthHandler returns an HTTP handler for the /health endpoint
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, health)
	}
}

// ReadyHandler returns an HTTP handler for the /ready endpoint
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, readiness)
	}
}

// LivenessHandler answers 200 for as long as the process is running
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(healthChecker.startTime).String(),
		})
	}
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
