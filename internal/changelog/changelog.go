// Package changelog is the World-State Changelog service
// (SPEC_FULL.md §4.10): an append-only log of intended world-state
// changes, plus the overlay reduction that projects a range of entries
// into a point-in-time snapshot without mutating the graph.
package changelog

import (
	"context"
	"time"

	"github.com/ofisk/loresmith/internal/domain"
)

// Store is the persistence dependency Service needs.
type Store interface {
	AppendChangelogEntry(ctx context.Context, e domain.WorldStateChangelogEntry) (domain.WorldStateChangelogEntry, error)
	UnappliedChangelogEntries(ctx context.Context, campaignID string) ([]domain.WorldStateChangelogEntry, error)
	ListCampaignsWithUnapplied(ctx context.Context) ([]string, error)
	ListChangelogRange(ctx context.Context, campaignID string, fromTS, toTS time.Time, sessionID string) ([]domain.WorldStateChangelogEntry, error)
	MarkChangelogApplied(ctx context.Context, ids []string) error
}

type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Append(ctx context.Context, e domain.WorldStateChangelogEntry) (domain.WorldStateChangelogEntry, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return s.store.AppendChangelogEntry(ctx, e)
}

func (s *Service) ListUnapplied(ctx context.Context, campaignID string) ([]domain.WorldStateChangelogEntry, error) {
	return s.store.UnappliedChangelogEntries(ctx, campaignID)
}

func (s *Service) ListCampaignsWithUnapplied(ctx context.Context) ([]string, error) {
	return s.store.ListCampaignsWithUnapplied(ctx)
}

func (s *Service) MarkApplied(ctx context.Context, ids []string) error {
	return s.store.MarkChangelogApplied(ctx, ids)
}

// RangeFilter narrows a historical read; the zero value means
// unbounded/unfiltered on that field.
type RangeFilter struct {
	FromTS    time.Time
	ToTS      time.Time
	SessionID string
}

func (s *Service) ListRange(ctx context.Context, campaignID string, f RangeFilter) ([]domain.WorldStateChangelogEntry, error) {
	return s.store.ListChangelogRange(ctx, campaignID, f.FromTS, f.ToTS, f.SessionID)
}

// Overlay is the reduced projection of a range of changelog entries:
// latest-wins per key, keyed the same way the entries address their
// subjects.
type Overlay struct {
	NewEntities        map[string]bool
	EntityState        map[string]domain.EntityUpdate
	RelationshipState  map[string]domain.RelationshipUpdate
}

func relationshipKey(from, to string) string { return from + "\x00" + to }

// Reduce folds entries (assumed ordered oldest-first, as ListRange and
// ListUnapplied both return them) into an Overlay. Reduce is
// idempotent: Reduce(entries) producing overlay o, then re-deriving a
// synthetic single-entry slice from o and reducing that again yields
// the same o — later entries in the input always win over earlier
// ones for the same key, and re-applying the result changes nothing
// further.
func Reduce(entries []domain.WorldStateChangelogEntry) Overlay {
	o := Overlay{
		NewEntities:       map[string]bool{},
		EntityState:       map[string]domain.EntityUpdate{},
		RelationshipState: map[string]domain.RelationshipUpdate{},
	}
	for _, e := range entries {
		for _, id := range e.Payload.NewEntities {
			o.NewEntities[id] = true
		}
		for _, u := range e.Payload.EntityUpdates {
			o.EntityState[u.EntityID] = u
		}
		for _, u := range e.Payload.RelationshipUpdates {
			o.RelationshipState[relationshipKey(u.From, u.To)] = u
		}
	}
	return o
}
