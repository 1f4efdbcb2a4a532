// Package resilience keeps one mapping's failures from harming the others:
// per-mapping error metrics, a retrying executor, circuit breakers,
// and a health monitor built on top of them.
package resilience

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// ErrorMetrics are the error counters of one mapping.
type ErrorMetrics struct {
	Total            int            `json:"total"`
	Consecutive      int            `json:"consecutive"`
	ByType           map[string]int `json:"by_type,omitempty"`
	LastError        time.Time      `json:"last_error,omitempty"`
	LastErrorMessage string         `json:"last_error_message,omitempty"`
	LastActivity     time.Time      `json:"last_activity,omitempty"`
}

// Metrics holds ErrorMetrics per mapping id for the life of the process.
type Metrics struct {
	// Now defaults to time.Now.
	Now func() time.Time

	mu sync.Mutex
	m  map[string]*ErrorMetrics
}

func (m *Metrics) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Metrics) get(id string) *ErrorMetrics {
	if m.m == nil {
		m.m = make(map[string]*ErrorMetrics)
	}
	em := m.m[id]
	if em == nil {
		em = &ErrorMetrics{ByType: make(map[string]int), LastActivity: m.now()}
		m.m[id] = em
	}
	return em
}

// Register starts tracking a mapping.
// Its activity clock starts now.
func (m *Metrics) Register(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(id)
}

func (m *Metrics) RecordError(id, typ string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	em := m.get(id)
	em.Total++
	em.Consecutive++
	em.ByType[typ]++
	em.LastError = m.now()
	if err != nil {
		em.LastErrorMessage = err.Error()
	}
}

// RecordSuccess resets the consecutive count and stamps activity.
// The historical total is kept.
func (m *Metrics) RecordSuccess(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	em := m.get(id)
	em.Consecutive = 0
	em.LastActivity = m.now()
}

func (m *Metrics) Get(id string) (ErrorMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	em, ok := m.m[id]
	if !ok {
		return ErrorMetrics{}, false
	}
	result := *em
	result.ByType = maps.Clone(em.ByType)
	return result, true
}

// Reset clears a mapping's counters. Operator action.
func (m *Metrics) Reset(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.m[id]; !ok {
		return
	}
	m.m[id] = &ErrorMetrics{ByType: make(map[string]int), LastActivity: m.now()}
}

func (m *Metrics) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, id)
}

// IDs lists the tracked mapping ids in sorted order.
func (m *Metrics) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.m))
}
