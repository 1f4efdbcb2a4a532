package gitcord

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// TrackerFactory builds a Tracker for one set of credentials.
type TrackerFactory func(context.Context, Credentials) (Tracker, error)

// Registry holds the configured mappings,
// one CorrelationStore per enabled mapping,
// and lookup indices by channel id, repository, and mapping id.
// It is also the context provider: see FromChannel and friends.
type Registry struct {
	// Credentials are the service-wide GitHub credentials,
	// overridden per mapping by MappingOptions.
	Credentials Credentials

	NewTracker TrackerFactory
	Logger     *slog.Logger

	mu       sync.RWMutex
	mappings []Mapping
	idx      index
}

type index struct {
	byChannel map[string]*tenant
	byRepo    map[string]*tenant
	byID      map[string]*tenant
}

type tenant struct {
	mapping Mapping
	store   *CorrelationStore

	once       sync.Once
	tracker    Tracker
	trackerErr error
}

// Initialize replaces the registry contents with the given mappings.
// Disabled mappings are kept in the list but get no store and no index entries.
func (r *Registry) Initialize(mappings []Mapping) {
	idx := r.build(mappings, index{})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings = slices.Clone(mappings)
	r.idx = idx
}

// build computes fresh indices.
// Tenants of unchanged mappings are carried over from prev
// so their stores and clients survive.
func (r *Registry) build(mappings []Mapping, prev index) index {
	idx := index{
		byChannel: make(map[string]*tenant),
		byRepo:    make(map[string]*tenant),
		byID:      make(map[string]*tenant),
	}
	for _, m := range mappings {
		if !m.Enabled {
			continue
		}
		t := prev.byID[m.ID]
		if t == nil || !sameMapping(t.mapping, m) {
			t = &tenant{mapping: m, store: NewCorrelationStore()}
		}
		idx.byID[m.ID] = t

		if other, ok := idx.byChannel[m.ChannelID]; ok {
			r.logger().Warn("Channel is mapped more than once", "channel", m.ChannelID, "mapping", m.ID, "using", other.mapping.ID)
		} else {
			idx.byChannel[m.ChannelID] = t
		}

		key := m.Repository.key()
		if other, ok := idx.byRepo[key]; ok {
			r.logger().Warn("Repository is mapped more than once", "repo", m.Repository.String(), "mapping", m.ID, "using", other.mapping.ID)
		} else {
			idx.byRepo[key] = t
		}
	}
	return idx
}

func sameMapping(a, b Mapping) bool {
	if a.ID != b.ID || a.ChannelID != b.ChannelID || a.Repository != b.Repository || a.WebhookSecret != b.WebhookSecret || a.Enabled != b.Enabled {
		return false
	}
	switch {
	case a.Options == nil && b.Options == nil:
		return true
	case a.Options == nil || b.Options == nil:
		return false
	}
	return *a.Options == *b.Options
}

// Add adds a mapping. Adding an id that is already present is an error.
func (r *Registry) Add(m Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.ContainsFunc(r.mappings, func(e Mapping) bool { return e.ID == m.ID }) {
		return errors.Errorf("mapping %s already exists", m.ID)
	}
	mappings := append(slices.Clone(r.mappings), m)
	r.idx = r.build(mappings, r.idx)
	r.mappings = mappings
	return nil
}

// Remove removes a mapping and drops its store.
func (r *Registry) Remove(id string) (Mapping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.mappings, func(e Mapping) bool { return e.ID == id })
	if i < 0 {
		return Mapping{}, false
	}
	removed := r.mappings[i]
	mappings := slices.Delete(slices.Clone(r.mappings), i, i+1)
	r.idx = r.build(mappings, r.idx)
	r.mappings = mappings
	return removed, true
}

// Mappings returns all configured mappings, enabled or not.
func (r *Registry) Mappings() []Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.mappings)
}

// Enabled returns the enabled mappings.
func (r *Registry) Enabled() []Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Mapping
	for _, m := range r.mappings {
		if _, ok := r.idx.byID[m.ID]; ok {
			result = append(result, m)
		}
	}
	return result
}

// Store returns the correlation store of an enabled mapping, or nil.
func (r *Registry) Store(id string) *CorrelationStore {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t := r.idx.byID[id]; t != nil {
		return t.store
	}
	return nil
}

func (r *Registry) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
