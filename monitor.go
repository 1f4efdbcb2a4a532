package gitcord

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bobg/mid"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"gitcord/resilience"
)

// OnHealth reports system health.
// The status is 503 while the system is unhealthy.
func (s *Service) OnHealth(w http.ResponseWriter, req *http.Request) error {
	sh := s.Health.Sample()

	code := http.StatusOK
	if sh.Status == resilience.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return errors.Wrap(json.NewEncoder(w).Encode(sh), "encoding health")
}

func (s *Service) OnMappingHealth(w http.ResponseWriter, req *http.Request) error {
	id := chi.URLParam(req, "mappingID")
	mh, ok := s.Health.Check(id)
	if !ok {
		return mid.CodeErr{C: http.StatusNotFound}
	}
	return mid.RespondJSON(w, mh)
}

// MappingMetrics is one entry of the metrics report.
type MappingMetrics struct {
	ID           string                   `json:"id"`
	Repository   string                   `json:"repository"`
	ChannelID    string                   `json:"channel_id"`
	Enabled      bool                     `json:"enabled"`
	Threads      int                      `json:"threads"`
	Linked       int                      `json:"linked"`
	Errors       *resilience.ErrorMetrics `json:"errors,omitempty"`
	LastActivity *time.Time               `json:"last_activity,omitempty"`
	Breakers     map[string]string        `json:"breakers,omitempty"`
}

// Metrics reports, for every configured mapping,
// its thread counts, its error metrics, and its breaker states.
func (s *Service) Metrics() []MappingMetrics {
	result := []MappingMetrics{}
	for _, m := range s.Registry.Mappings() {
		mm := MappingMetrics{
			ID:         m.ID,
			Repository: m.Repository.String(),
			ChannelID:  m.ChannelID,
			Enabled:    m.Enabled,
		}
		if store := s.Registry.Store(m.ID); store != nil {
			for _, t := range store.Threads() {
				mm.Threads++
				if t.Linked() {
					mm.Linked++
				}
			}
		}
		if s.Errors != nil && s.Errors.Metrics != nil {
			if em, ok := s.Errors.Metrics.Get(m.ID); ok {
				mm.Errors = &em
				mm.LastActivity = &em.LastActivity
			}
		}
		if s.Breakers != nil {
			mm.Breakers = s.Breakers.States(m.ID)
		}
		result = append(result, mm)
	}
	return result
}

func (s *Service) OnMetrics(w http.ResponseWriter, req *http.Request) error {
	return mid.RespondJSON(w, s.Metrics())
}
