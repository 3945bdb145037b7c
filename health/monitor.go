package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"k8s.io/utils/clock"
)

// CheckFunc reports the current health of one component.
type CheckFunc func() Status

// Monitor runs registered checks and aggregates their results.
type Monitor struct {
	name  string
	clock clock.PassiveClock

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewMonitor creates a monitor reporting as name.
func NewMonitor(name string, c clock.PassiveClock) *Monitor {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Monitor{name: name, clock: c, checks: make(map[string]CheckFunc)}
}

// Register adds or replaces the check for component.
func (m *Monitor) Register(component string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Check runs every check. The aggregate takes the worst level of its checks;
// checks are sorted by component.
func (m *Monitor) Check() Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, p := range m.checks {
		checks[name] = p
	}
	m.mu.RUnlock()
	sort.Strings(names)

	now := m.clock.Now()
	agg := Healthy(m.name, "All components are healthy")
	for _, name := range names {
		st := checks[name]()
		st.Component = name
		st.Timestamp = now
		if st.Level.rank() > agg.Level.rank() {
			agg.Level = st.Level
			agg.Message = "One or more components are " + string(st.Level)
		}
		agg.Checks = append(agg.Checks, st)
	}
	agg.Timestamp = now
	return agg
}

// Handler serves Check as JSON. Unhealthy answers 503.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		st := m.Check()
		w.Header().Set("Content-Type", "application/json")
		if st.Level == LevelUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(st)
	})
}
