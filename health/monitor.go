package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Monitor holds the latest Status of each named component. It is safe for
// concurrent use.
type Monitor struct {
	system string

	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates a Monitor reporting as system.
func NewMonitor(system string) *Monitor {
	return &Monitor{
		system:   system,
		statuses: make(map[string]Status),
	}
}

// Set records the state of component. Since only moves when the state
// changes.
func (m *Monitor) Set(component string, state State, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	since := time.Now()
	if prev, ok := m.statuses[component]; ok && prev.State == state {
		since = prev.Since
	}

	m.statuses[component] = Status{
		Component: component,
		State:     state,
		Message:   sanitize(message),
		Since:     since,
	}
}

// Healthy marks component healthy.
func (m *Monitor) Healthy(component, message string) {
	m.Set(component, StateHealthy, message)
}

// Degraded marks component degraded.
func (m *Monitor) Degraded(component, message string) {
	m.Set(component, StateDegraded, message)
}

// Unhealthy marks component unhealthy.
func (m *Monitor) Unhealthy(component, message string) {
	m.Set(component, StateUnhealthy, message)
}

// Get returns the status of component.
func (m *Monitor) Get(component string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.statuses[component]
	return s, ok
}

// Snapshot aggregates every component into one Status. The aggregate takes
// the worst component state. Components are sorted by name.
func (m *Monitor) Snapshot() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := Status{
		Component:  m.system,
		State:      StateHealthy,
		Since:      time.Now(),
		Components: make([]Status, 0, len(m.statuses)),
	}

	for _, s := range m.statuses {
		agg.Components = append(agg.Components, s)
		if s.State.rank() > agg.State.rank() {
			agg.State = s.State
		}
	}
	sort.Slice(agg.Components, func(i, j int) bool {
		return agg.Components[i].Component < agg.Components[j].Component
	})

	switch agg.State {
	case StateUnhealthy:
		agg.Message = "One or more components are unhealthy"
	case StateDegraded:
		agg.Message = "One or more components are degraded"
	default:
		agg.Message = "All components are healthy"
	}
	return agg
}

// ServeHTTP writes the Snapshot as JSON. Unhealthy answers 503, healthy and
// degraded answer 200.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	snap := m.Snapshot()

	code := http.StatusOK
	if snap.State == StateUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(snap)
}
