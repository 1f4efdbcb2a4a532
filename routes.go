package gitcord

import (
	"github.com/bobg/mid"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes builds the HTTP router: the webhook ingress at webhookPath
// and the monitoring endpoints.
// The admin endpoint needs a shutdown hook and is added by the caller.
func (s *Service) Routes(webhookPath string, gatherer prometheus.Gatherer) *chi.Mux {
	if webhookPath == "" {
		webhookPath = "/github"
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)

	r.Method("POST", webhookPath, mid.Err(s.OnGHWebhook))
	r.Method("GET", "/health", mid.Err(s.OnHealth))
	r.Method("GET", "/health/{mappingID}", mid.Err(s.OnMappingHealth))
	r.Method("GET", "/metrics", mid.Err(s.OnMetrics))
	if gatherer != nil {
		r.Method("GET", "/metrics/prometheus", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}
