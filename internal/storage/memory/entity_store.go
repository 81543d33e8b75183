// Package memory keeps entities, relations and artifacts in process memory
// for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/legal-registry-crawler/internal/clock/system"
	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/metrics"
)

const backend = "memory"

type relationKey struct {
	source, target int64
	kind           string
}

// EntityStore is an in-memory crawler.EntityStore. Sessions write straight
// into shared state and keep an undo log, so item rollbacks and unflushed
// closes restore the previous values. Sessions are not isolated from each
// other.
type EntityStore struct {
	mu        sync.Mutex
	clock     crawler.Clock
	entities  map[string]*crawler.Entity
	relations map[relationKey]crawler.Relation
	nextID    int64
}

// NewEntityStore builds an empty store.
func NewEntityStore(clock crawler.Clock) *EntityStore {
	if clock == nil {
		clock = system.New()
	}
	return &EntityStore{
		clock:     clock,
		entities:  make(map[string]*crawler.Entity),
		relations: make(map[relationKey]crawler.Relation),
	}
}

// EnsureSchema is a no-op.
func (s *EntityStore) EnsureSchema(context.Context) error { return nil }

// Close is a no-op.
func (s *EntityStore) Close() {}

// OpenSession returns a new session.
func (s *EntityStore) OpenSession(context.Context) (crawler.Session, error) {
	return &Session{store: s, itemMark: -1}, nil
}

// ListEntities returns copies ordered by id.
func (s *EntityStore) ListEntities(_ context.Context, filter crawler.EntityFilter) ([]crawler.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if filter.Unprocessed != nil && e.Unprocessed != *filter.Unprocessed {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountRelations returns the number of stored relations.
func (s *EntityStore) CountRelations(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.relations), nil
}

// Relations returns every stored relation ordered by source, target and type.
func (s *EntityStore) Relations() []crawler.Relation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Relation, 0, len(s.relations))
	for _, r := range s.relations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		if out[i].TargetID != out[j].TargetID {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].RelationType < out[j].RelationType
	})
	return out
}

// Session tracks undo entries since the last flush.
type Session struct {
	store    *EntityStore
	undo     []func()
	itemMark int
	closed   bool
}

var _ crawler.Session = (*Session)(nil)

// BeginItem marks the current undo position.
func (s *Session) BeginItem(context.Context) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}
	s.itemMark = len(s.undo)
	return nil
}

// EndItem keeps or undoes the writes made since BeginItem.
func (s *Session) EndItem(_ context.Context, keep bool) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}
	if s.itemMark < 0 {
		return fmt.Errorf("no item in progress")
	}
	if !keep {
		s.rollbackTo(s.itemMark)
	}
	s.itemMark = -1
	return nil
}

// WithSavepoint undoes fn's writes when it fails.
func (s *Session) WithSavepoint(_ context.Context, fn func() error) error {
	s.store.mu.Lock()
	if s.closed {
		s.store.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	mark := len(s.undo)
	s.store.mu.Unlock()

	if err := fn(); err != nil {
		s.store.mu.Lock()
		if !s.closed && mark <= len(s.undo) {
			s.rollbackTo(mark)
		}
		s.store.mu.Unlock()
		return err
	}
	return nil
}

// Flush makes pending writes permanent.
func (s *Session) Flush(context.Context) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}
	s.undo = s.undo[:0]
	s.itemMark = -1
	return nil
}

// Close undoes anything not flushed.
func (s *Session) Close(context.Context) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.closed {
		return nil
	}
	s.rollbackTo(0)
	s.closed = true
	return nil
}

func (s *Session) rollbackTo(n int) {
	for i := len(s.undo) - 1; i >= n; i-- {
		s.undo[i]()
	}
	s.undo = s.undo[:n]
}

// Upsert creates or merges the entity and refreshes last_seen_at.
func (s *Session) Upsert(_ context.Context, externalID string, fields crawler.EntityFields) (crawler.UpsertResult, error) {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	if s.closed {
		return crawler.UpsertResult{}, fmt.Errorf("session closed")
	}
	now := st.clock.Now()
	if e, ok := st.entities[externalID]; ok {
		s.merge(e, fields, &now)
		metrics.ObserveUpsert(backend, string(crawler.OutcomeUpdated))
		return crawler.UpsertResult{ID: e.ID, Outcome: crawler.OutcomeUpdated}, nil
	}
	e := s.insert(externalID, fields, &now)
	metrics.ObserveUpsert(backend, string(crawler.OutcomeCreated))
	return crawler.UpsertResult{ID: e.ID, Outcome: crawler.OutcomeCreated}, nil
}

// EnsureStub returns the entity, creating an unprocessed stub when absent.
func (s *Session) EnsureStub(_ context.Context, externalID string, fields crawler.EntityFields) (crawler.Entity, bool, error) {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	if s.closed {
		return crawler.Entity{}, false, fmt.Errorf("session closed")
	}
	if e, ok := st.entities[externalID]; ok {
		return *e, false, nil
	}
	fields.Unprocessed = crawler.Bool(true)
	e := s.insert(externalID, fields, nil)
	metrics.ObserveUpsert(backend, "stub")
	return *e, true, nil
}

// Update merges fields without touching last_seen_at.
func (s *Session) Update(_ context.Context, externalID string, fields crawler.EntityFields) error {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}
	e, ok := st.entities[externalID]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrNotFound, externalID)
	}
	s.merge(e, fields, nil)
	return nil
}

// Get returns a copy of the entity.
func (s *Session) Get(_ context.Context, externalID string) (crawler.Entity, error) {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.entities[externalID]
	if !ok {
		return crawler.Entity{}, fmt.Errorf("%w: %s", crawler.ErrNotFound, externalID)
	}
	return *e, nil
}

// LinkRelation stores the edge unless the triple exists.
func (s *Session) LinkRelation(_ context.Context, rel crawler.Relation) (bool, error) {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	if s.closed {
		return false, fmt.Errorf("session closed")
	}
	key := relationKey{source: rel.SourceID, target: rel.TargetID, kind: rel.RelationType}
	if _, ok := st.relations[key]; ok {
		return false, nil
	}
	st.relations[key] = rel
	s.undo = append(s.undo, func() { delete(st.relations, key) })
	return true, nil
}

// insert must be called with the store lock held.
func (s *Session) insert(externalID string, fields crawler.EntityFields, lastSeen *time.Time) *crawler.Entity {
	st := s.store
	st.nextID++
	e := &crawler.Entity{
		ID:          st.nextID,
		ExternalID:  externalID,
		Unprocessed: true,
		CreatedAt:   st.clock.Now(),
	}
	fields.Apply(e)
	if lastSeen != nil {
		e.LastSeenAt = crawler.Time(*lastSeen)
	}
	st.entities[externalID] = e
	s.undo = append(s.undo, func() { delete(st.entities, externalID) })
	return e
}

// merge must be called with the store lock held.
func (s *Session) merge(e *crawler.Entity, fields crawler.EntityFields, lastSeen *time.Time) {
	prev := *e
	s.undo = append(s.undo, func() { *e = prev })
	fields.Apply(e)
	if lastSeen != nil && (e.LastSeenAt == nil || lastSeen.After(*e.LastSeenAt)) {
		e.LastSeenAt = crawler.Time(*lastSeen)
	}
}
