package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Fixed health thresholds.
const (
	DegradedAfterErrors  = 5
	UnhealthyAfterErrors = 10
	StaleAfter           = 24 * time.Hour
)

// MappingHealth is the sampled health of one mapping.
type MappingHealth struct {
	MappingID         string            `json:"mapping_id"`
	Status            Status            `json:"status"`
	Reasons           []string          `json:"reasons,omitempty"`
	ConsecutiveErrors int               `json:"consecutive_errors"`
	TotalErrors       int               `json:"total_errors"`
	ErrorsByType      map[string]int    `json:"errors_by_type,omitempty"`
	LastError         time.Time         `json:"last_error,omitempty"`
	LastErrorMessage  string            `json:"last_error_message,omitempty"`
	LastActivity      time.Time         `json:"last_activity"`
	Breakers          map[string]string `json:"breakers,omitempty"`
}

// SystemHealth aggregates all mappings.
type SystemHealth struct {
	Status    Status          `json:"status"`
	CheckedAt time.Time       `json:"checked_at"`
	Total     int             `json:"total"`
	Healthy   int             `json:"healthy"`
	Degraded  int             `json:"degraded"`
	Unhealthy int             `json:"unhealthy"`
	Mappings  []MappingHealth `json:"mappings"`
}

// Evaluate classifies error metrics at time now.
func Evaluate(em ErrorMetrics, now time.Time) (Status, []string) {
	var reasons []string
	status := Healthy
	switch {
	case em.Consecutive > UnhealthyAfterErrors:
		status = Unhealthy
		reasons = append(reasons, "too many consecutive errors")
	case em.Consecutive > DegradedAfterErrors:
		status = Degraded
		reasons = append(reasons, "repeated consecutive errors")
	}
	if !em.LastActivity.IsZero() && now.Sub(em.LastActivity) > StaleAfter {
		if status == Healthy {
			status = Degraded
		}
		reasons = append(reasons, "no activity in 24h")
	}
	return status, reasons
}

// Aggregate computes system status from per-mapping results.
// The system is unhealthy when more than half of the mappings are,
// and degraded when any mapping is not healthy.
func Aggregate(mappings []MappingHealth, now time.Time) SystemHealth {
	sh := SystemHealth{
		Status:    Healthy,
		CheckedAt: now,
		Total:     len(mappings),
		Mappings:  mappings,
	}
	for _, mh := range mappings {
		switch mh.Status {
		case Healthy:
			sh.Healthy++
		case Degraded:
			sh.Degraded++
		case Unhealthy:
			sh.Unhealthy++
		}
	}
	switch {
	case sh.Unhealthy*2 > sh.Total:
		sh.Status = Unhealthy
	case sh.Unhealthy+sh.Degraded > 0:
		sh.Status = Degraded
	}
	return sh
}

// HealthMonitor periodically samples the metrics of every mapping.
type HealthMonitor struct {
	Metrics  *Metrics
	Breakers *Breakers

	// IDs lists the mappings to sample. Defaults to Metrics.IDs.
	IDs func() []string

	Interval   time.Duration
	Now        func() time.Time
	Collectors *Collectors
	Logger     *slog.Logger

	mu   sync.Mutex
	last SystemHealth
}

func (h *HealthMonitor) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// Check computes the current health of one mapping.
func (h *HealthMonitor) Check(mappingID string) (MappingHealth, bool) {
	em, ok := h.Metrics.Get(mappingID)
	if !ok {
		return MappingHealth{}, false
	}
	status, reasons := Evaluate(em, h.now())
	mh := MappingHealth{
		MappingID:         mappingID,
		Status:            status,
		Reasons:           reasons,
		ConsecutiveErrors: em.Consecutive,
		TotalErrors:       em.Total,
		ErrorsByType:      em.ByType,
		LastError:         em.LastError,
		LastErrorMessage:  em.LastErrorMessage,
		LastActivity:      em.LastActivity,
	}
	if h.Breakers != nil {
		mh.Breakers = h.Breakers.States(mappingID)
	}
	return mh, true
}

// Sample checks every mapping and stores the result for Last.
func (h *HealthMonitor) Sample() SystemHealth {
	ids := h.Metrics.IDs
	if h.IDs != nil {
		ids = h.IDs
	}

	mappings := []MappingHealth{}
	for _, id := range ids() {
		mh, ok := h.Check(id)
		if !ok {
			mh = MappingHealth{MappingID: id, Status: Healthy}
		}
		h.Collectors.setHealth(id, mh.Status)
		mappings = append(mappings, mh)
	}
	sh := Aggregate(mappings, h.now())

	h.mu.Lock()
	prev := h.last.Status
	h.last = sh
	h.mu.Unlock()

	if prev != "" && prev != sh.Status {
		h.logger().Warn("System health changed", "from", prev, "to", sh.Status, "degraded", sh.Degraded, "unhealthy", sh.Unhealthy)
	}
	return sh
}

// Last returns the most recent sample.
func (h *HealthMonitor) Last() SystemHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Run samples every Interval until ctx is canceled.
func (h *HealthMonitor) Run(ctx context.Context) error {
	interval := h.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	h.logger().Info("Starting health monitor", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.Sample()
	for {
		select {
		case <-ticker.C:
			h.Sample()
		case <-ctx.Done():
			h.logger().Info("Health monitor stopping")
			return nil
		}
	}
}

func (h *HealthMonitor) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
