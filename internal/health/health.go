// Package health tracks per-component health for the streaming session
// (capture, pipeline, server, bridge) with a worst-of rollup.
package health

import (
	"sync"
	"time"

	"github.com/daylight-mirror/host/internal/logging"
)

var log = logging.L("health")

// Component names used by the session.
const (
	ComponentCapture  = "capture"
	ComponentPipeline = "pipeline"
	ComponentServer   = "server"
	ComponentBridge   = "bridge"
)

// Status represents the health status of a component.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// Check stores the latest health result for a named component.
type Check struct {
	Name      string
	Status    Status
	Message   string
	UpdatedAt time.Time
}

// Monitor tracks health checks for the session's components.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

// NewMonitor creates an empty health monitor.
func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check)}
}

// Update records the health status for a named component.
func (m *Monitor) Update(name string, status Status, message string) {
	m.mu.Lock()
	prev, had := m.checks[name]
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		UpdatedAt: time.Now(),
	}
	m.mu.Unlock()

	// Log transitions, not steady state: a degraded capture source at 60Hz
	// would otherwise flood the log.
	if status != Healthy && (!had || prev.Status != status) {
		log.Warn("component health changed", "component", name, "status", string(status), "message", message)
	}
}

// Get returns the health check for a named component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all registered checks, Unknown
// when nothing has reported yet.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if statusRank(c.Status) > statusRank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns a snapshot of all current health checks.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	return result
}

// statusRank orders Healthy < Degraded < Unhealthy < Unknown. Unknown ranks
// worst so an unreported component is treated as the most severe condition.
func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 3
	}
}
