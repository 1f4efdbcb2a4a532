package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors are the Prometheus instruments of the resilience layer.
// A nil *Collectors is valid and records nothing.
type Collectors struct {
	errors      *prometheus.CounterVec
	retries     *prometheus.CounterVec
	breakerOpen *prometheus.GaugeVec
	health      *prometheus.GaugeVec
}

// NewCollectors creates the instruments and registers them with reg.
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitcord_errors_total",
			Help: "Failed operations per mapping and error type.",
		}, []string{"mapping", "type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitcord_retries_total",
			Help: "Retried operations per mapping.",
		}, []string{"mapping"}),
		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gitcord_breaker_open",
			Help: "1 while a mapping's circuit breaker for a service is open or half-open.",
		}, []string{"mapping", "service"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gitcord_mapping_health",
			Help: "Mapping health: 0 healthy, 1 degraded, 2 unhealthy.",
		}, []string{"mapping"}),
	}
	for _, coll := range []prometheus.Collector{c.errors, c.retries, c.breakerOpen, c.health} {
		if err := reg.Register(coll); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collectors) incErrors(mappingID, typ string) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(mappingID, typ).Inc()
}

func (c *Collectors) incRetries(mappingID string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(mappingID).Inc()
}

func (c *Collectors) setBreaker(mappingID, service string, s State) {
	if c == nil {
		return
	}
	v := 0.0
	if s != Closed {
		v = 1
	}
	c.breakerOpen.WithLabelValues(mappingID, service).Set(v)
}

func (c *Collectors) setHealth(mappingID string, s Status) {
	if c == nil {
		return
	}
	var v float64
	switch s {
	case Degraded:
		v = 1
	case Unhealthy:
		v = 2
	}
	c.health.WithLabelValues(mappingID).Set(v)
}

// Forget drops the series of a removed mapping.
func (c *Collectors) Forget(mappingID string) {
	if c == nil {
		return
	}
	labels := prometheus.Labels{"mapping": mappingID}
	c.errors.DeletePartialMatch(labels)
	c.retries.DeletePartialMatch(labels)
	c.breakerOpen.DeletePartialMatch(labels)
	c.health.DeletePartialMatch(labels)
}
