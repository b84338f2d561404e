package health

import (
	"sort"
	"sync"
	"time"

	"github.com/c360/streambroker/component"
)

// Monitor aggregates the health of registered components. Registered
// Discoverable components are polled on each snapshot; pushed statuses
// cover anything that is not a component (the registry backend, the
// bus connection).
type Monitor struct {
	mu         sync.RWMutex
	components map[string]component.Discoverable
	pushed     map[string]Status
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		components: make(map[string]component.Discoverable),
		pushed:     make(map[string]Status),
	}
}

// Register adds a component to poll on each snapshot.
func (m *Monitor) Register(name string, c component.Discoverable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = c
}

// Update pushes a status for a named sub-system. It overrides any
// registered component of the same name.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.pushed[name] = status
}

// Remove stops tracking a name in both the polled and pushed sets.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.components, name)
	delete(m.pushed, name)
}

// Get returns the current status for one name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if status, ok := m.pushed[name]; ok {
		return status, true
	}
	if c, ok := m.components[name]; ok {
		return FromComponentHealth(name, c.Health()), true
	}
	return Status{}, false
}

// Snapshot returns the current status of everything tracked, sorted by
// component name.
func (m *Monitor) Snapshot() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]Status, 0, len(m.components)+len(m.pushed))
	for name, c := range m.components {
		if _, overridden := m.pushed[name]; overridden {
			continue
		}
		statuses = append(statuses, FromComponentHealth(name, c.Health()))
	}
	for _, status := range m.pushed {
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Component < statuses[j].Component
	})
	return statuses
}

// AggregateHealth returns the system-level status rolled up from a
// fresh snapshot.
func (m *Monitor) AggregateHealth(systemName string) Status {
	return Aggregate(systemName, m.Snapshot())
}

// Count returns the number of tracked names.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.pushed)
	for name := range m.components {
		if _, overridden := m.pushed[name]; !overridden {
			n++
		}
	}
	return n
}
