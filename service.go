package gitcord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"gitcord/resilience"
)

// Service synchronizes every configured mapping.
type Service struct {
	Chat     ChatPlatform
	Registry *Registry

	// Mappings persists the mapping list.
	// It may be nil, in which case mapping changes are not persisted.
	Mappings MappingStore

	Errors     *resilience.ErrorHandler
	Breakers   *resilience.Breakers
	Health     *resilience.HealthMonitor
	Collectors *resilience.Collectors

	AdminKey string

	// EchoWindow is how long an expected thread update stays pending.
	EchoWindow time.Duration

	Logger *slog.Logger
	Now    func() time.Time

	mu         sync.Mutex
	deliveries map[string]time.Time

	// Held from reading the mapping list until the registry has the change.
	crudMu sync.Mutex
}

const defaultEchoWindow = 500 * time.Millisecond

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Service) echoWindow() time.Duration {
	if s.EchoWindow <= 0 {
		return defaultEchoWindow
	}
	return s.EchoWindow
}

// Load reads the mapping list from s.Mappings and initializes the registry with it.
func (s *Service) Load(ctx context.Context) error {
	var mappings []Mapping
	if s.Mappings != nil {
		var err error
		mappings, err = s.Mappings.Load(ctx)
		if err != nil {
			return errors.Wrap(err, "loading mappings")
		}
	}
	if err := ValidateMappings(mappings); err != nil {
		return errors.Wrap(err, "validating mappings")
	}
	s.Registry.Initialize(mappings)
	for _, m := range s.Registry.Enabled() {
		s.register(m.ID)
	}
	s.logger().Info("Loaded mappings", "total", len(mappings), "enabled", len(s.Registry.Enabled()))
	return nil
}

func (s *Service) register(mappingID string) {
	if s.Errors != nil && s.Errors.Metrics != nil {
		s.Errors.Metrics.Register(mappingID)
	}
}

// AddMapping validates m, persists the new mapping list, and then adds m to the registry.
// Validation errors wrap ErrInvalidMapping.
func (s *Service) AddMapping(ctx context.Context, m Mapping) error {
	if err := m.Validate(); err != nil {
		return invalidMapping(err)
	}

	s.crudMu.Lock()
	defer s.crudMu.Unlock()

	mappings := append(s.Registry.Mappings(), m)
	if err := ValidateMappings(mappings); err != nil {
		return invalidMapping(err)
	}
	if err := s.persist(ctx, mappings); err != nil {
		return err
	}
	if err := s.Registry.Add(m); err != nil {
		return errors.Wrapf(err, "adding mapping %s", m.ID)
	}
	if m.Enabled {
		s.register(m.ID)
	}
	s.logger().Info("Added mapping", "mapping", m.ID, "repo", m.Repository.String(), "channel", m.ChannelID)
	return nil
}

// RemoveMapping persists the mapping list without the given mapping,
// then removes it from the registry
// and drops its store, breakers, and error metrics.
func (s *Service) RemoveMapping(ctx context.Context, id string) error {
	s.crudMu.Lock()
	defer s.crudMu.Unlock()

	var (
		mappings []Mapping
		found    bool
	)
	for _, m := range s.Registry.Mappings() {
		if m.ID == id {
			found = true
			continue
		}
		mappings = append(mappings, m)
	}
	if !found {
		return errors.Wrapf(ErrNotFound, "mapping %s", id)
	}
	if err := s.persist(ctx, mappings); err != nil {
		return err
	}
	s.Registry.Remove(id)
	if s.Breakers != nil {
		s.Breakers.Remove(id)
	}
	if s.Errors != nil && s.Errors.Metrics != nil {
		s.Errors.Metrics.Remove(id)
	}
	s.Collectors.Forget(id)
	s.forgetDeliveries(id)
	s.logger().Info("Removed mapping", "mapping", id)
	return nil
}

func (s *Service) persist(ctx context.Context, mappings []Mapping) error {
	if s.Mappings == nil {
		return nil
	}
	return errors.Wrap(s.Mappings.Save(ctx, mappings), "saving mappings")
}

// ResetErrors clears a mapping's error metrics and closes its breakers.
func (s *Service) ResetErrors(mappingID string) {
	if s.Errors != nil && s.Errors.Metrics != nil {
		s.Errors.Metrics.Reset(mappingID)
	}
	if s.Breakers != nil {
		s.Breakers.Reset(mappingID)
	}
}

// retry runs a handler for a mapping through the error handler.
func (s *Service) retry(ctx context.Context, mc *MappingContext, operation string, fn func(context.Context) error) error {
	if s.Errors == nil {
		return fn(ctx)
	}
	return s.Errors.ExecuteWithRetry(ctx, mc.Mapping.ID, operation, fn, nil)
}

// guard runs one outbound call through the mapping's breaker for service.
func (s *Service) guard(ctx context.Context, mc *MappingContext, service string, fn func(context.Context) error) error {
	if s.Breakers == nil {
		return fn(ctx)
	}
	return s.Breakers.Execute(ctx, mc.Mapping.ID, service, fn)
}

// callGitHub runs fn against the mapping's tracker behind the github breaker.
func (s *Service) callGitHub(ctx context.Context, mc *MappingContext, fn func(context.Context, Tracker) error) error {
	tr, err := mc.Tracker(ctx)
	if err != nil {
		return resilience.Permanent(err)
	}
	return s.guard(ctx, mc, "github", func(ctx context.Context) error {
		return fn(ctx, tr)
	})
}

// callDiscord runs fn behind the mapping's discord breaker.
func (s *Service) callDiscord(ctx context.Context, mc *MappingContext, fn func(context.Context) error) error {
	return s.guard(ctx, mc, "discord", fn)
}

// ClassifyError recognizes the platform sentinels.
// It is meant for resilience.ErrorHandler.Classify.
func ClassifyError(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return resilience.TypeNotFound
	case errors.Is(err, ErrRateLimited):
		return resilience.TypeRateLimited
	}
	return ""
}

// IsNeutral reports errors that say nothing about a platform's health.
// It is meant for resilience.Breakers.Neutral.
func IsNeutral(err error) bool {
	return isNotFound(err)
}
