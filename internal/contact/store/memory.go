// Package store provides contact persistence. The in-memory implementation
// backs unit tests and local runs; the PostgreSQL implementation is the
// production store. Both return pkg/platform/sentinel errors so the service
// layer can translate them uniformly.
package store

import (
	"context"
	"sort"
	"sync"

	"idlink/internal/contact/models"
	"idlink/pkg/platform/sentinel"
)

// InMemory keeps contacts in a map guarded by a mutex. It intentionally
// favors clarity over performance.
type InMemory struct {
	mu       sync.RWMutex
	txMu     sync.Mutex
	contacts map[int64]models.Contact
	nextID   int64
}

func NewInMemory() *InMemory {
	return &InMemory{contacts: make(map[int64]models.Contact), nextID: 1}
}

// RunInTx serializes whole identify transactions behind a single lock and
// restores a snapshot if fn fails, so a half-applied merge is never visible.
// A lock sharded by identifier would not be sound here: one submission can
// touch two clusters that hash to different shards.
func (s *InMemory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	snapshot := s.snapshot()
	if err := fn(ctx); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

func (s *InMemory) snapshot() map[int64]models.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[int64]models.Contact, len(s.contacts))
	for id, c := range s.contacts {
		snap[id] = c
	}
	return snap
}

func (s *InMemory) restore(snap map[int64]models.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts = snap
}

func (s *InMemory) Create(_ context.Context, contact *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	contact.ID = s.nextID
	s.nextID++
	s.contacts[contact.ID] = *contact
	return nil
}

func (s *InMemory) Update(_ context.Context, contact *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[contact.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.contacts[contact.ID] = *contact
	return nil
}

func (s *InMemory) FindByID(_ context.Context, id int64) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok || c.DeletedAt != nil {
		return nil, sentinel.ErrNotFound
	}
	return &c, nil
}

func (s *InMemory) FindByEmailOrPhone(_ context.Context, email, phoneNumber string) ([]*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Contact
	for _, c := range s.contacts {
		if c.DeletedAt != nil {
			continue
		}
		if (email != "" && c.Email == email) || (phoneNumber != "" && c.PhoneNumber == phoneNumber) {
			c := c
			out = append(out, &c)
		}
	}
	sortByID(out)
	return out, nil
}

func (s *InMemory) FindByLinkedID(_ context.Context, linkedID int64) ([]*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Contact
	for _, c := range s.contacts {
		if c.DeletedAt != nil || c.LinkedID == nil || *c.LinkedID != linkedID {
			continue
		}
		c := c
		out = append(out, &c)
	}
	sortByID(out)
	return out, nil
}

func (s *InMemory) SoftDelete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok || c.DeletedAt != nil {
		return sentinel.ErrNotFound
	}
	now := nowFromContext(ctx)
	c.DeletedAt = &now
	s.contacts[id] = c
	return nil
}

func sortByID(contacts []*models.Contact) {
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].ID < contacts[j].ID })
}
