package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
)

type RosterStore struct {
	mu    sync.RWMutex
	cards map[string]store.EmployeeRecord
}

// NewRosterStore seeds the roster with active cards.
func NewRosterStore(cardIDs []string) *RosterStore {
	s := &RosterStore{cards: make(map[string]store.EmployeeRecord, len(cardIDs))}
	now := time.Now().UTC()
	for _, c := range cardIDs {
		c = strings.TrimSpace(c)
		if c != "" {
			s.cards[c] = store.EmployeeRecord{CardID: c, Active: true, UpdatedAt: now}
		}
	}
	return s
}

func (s *RosterStore) IsActive(_ context.Context, cardID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.cards[cardID]
	return ok && rec.Active, nil
}

func (s *RosterStore) Upsert(_ context.Context, rec store.EmployeeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.cards[rec.CardID] = rec
	return nil
}

func (s *RosterStore) Deactivate(_ context.Context, cardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cards[cardID]
	if !ok {
		return store.ErrNotFound
	}
	rec.Active = false
	rec.UpdatedAt = time.Now().UTC()
	s.cards[cardID] = rec
	return nil
}
