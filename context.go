package gitcord

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
)

// MappingContext is everything one operation needs to act for one mapping.
// A new one is derived for every operation and never stored;
// the Store is shared by reference with every other context of the same mapping.
type MappingContext struct {
	Mapping     Mapping
	Store       *CorrelationStore
	Credentials Credentials
	Logger      *slog.Logger

	t          *tenant
	newTracker TrackerFactory
}

// Tracker returns the issue tracker client for this mapping's credentials.
// It is built once per mapping.
func (mc *MappingContext) Tracker(ctx context.Context) (Tracker, error) {
	mc.t.once.Do(func() {
		if mc.newTracker == nil {
			mc.t.trackerErr = errors.New("no tracker factory configured")
			return
		}
		mc.t.tracker, mc.t.trackerErr = mc.newTracker(ctx, mc.Credentials)
	})
	return mc.t.tracker, errors.Wrapf(mc.t.trackerErr, "creating tracker client for %s", mc.Mapping.Repository)
}

// FromChannel resolves the mapping for a forum channel id.
func (r *Registry) FromChannel(channelID string) (*MappingContext, bool) {
	r.mu.RLock()
	t := r.idx.byChannel[channelID]
	r.mu.RUnlock()
	return r.contextFor(t)
}

// FromRepository resolves the mapping for a repository.
// The match on owner and name is case-insensitive, as GitHub's is.
func (r *Registry) FromRepository(owner, name string) (*MappingContext, bool) {
	key := strings.ToLower(owner + "/" + name)
	r.mu.RLock()
	t := r.idx.byRepo[key]
	r.mu.RUnlock()
	return r.contextFor(t)
}

// FromMappingID resolves an enabled mapping by id.
func (r *Registry) FromMappingID(id string) (*MappingContext, bool) {
	r.mu.RLock()
	t := r.idx.byID[id]
	r.mu.RUnlock()
	return r.contextFor(t)
}

// FromWebhookPayload resolves the mapping named by a webhook payload's repository.
func (r *Registry) FromWebhookPayload(p *WebhookPayload) (*MappingContext, bool) {
	owner, name, ok := p.repository()
	if !ok {
		return nil, false
	}
	return r.FromRepository(owner, name)
}

// FromThread resolves the mapping whose store has a row for threadID.
// It serves chat events that do not name the forum channel.
func (r *Registry) FromThread(threadID string) (*MappingContext, bool) {
	r.mu.RLock()
	var found *tenant
	for _, t := range r.idx.byID {
		if _, ok := t.store.Thread(threadID); ok {
			found = t
			break
		}
	}
	r.mu.RUnlock()
	return r.contextFor(found)
}

func (r *Registry) contextFor(t *tenant) (*MappingContext, bool) {
	if t == nil {
		return nil, false
	}
	m := t.mapping
	return &MappingContext{
		Mapping:     m,
		Store:       t.store,
		Credentials: r.Credentials.merge(m.Options),
		Logger:      r.logger().With("mapping", m.ID, "repo", m.Repository.String()),
		t:           t,
		newTracker:  r.NewTracker,
	}, true
}
