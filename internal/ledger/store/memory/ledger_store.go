package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
)

// LedgerStore is an in-memory append-only ledger.  It is intended for use
// in tests and dev environments.
type LedgerStore struct {
	mu        sync.RWMutex
	entries   []chain.Entry // entries[i].Seq == i+1
	byDevice  map[chain.DeviceSeq]uint64
	byEventID map[string]uint64
	lastLocal map[string]uint64
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		byDevice:  make(map[chain.DeviceSeq]uint64),
		byEventID: make(map[string]uint64),
		lastLocal: make(map[string]uint64),
	}
}

func (s *LedgerStore) Append(_ context.Context, entries []chain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before touching state so a failure leaves
	// nothing behind.
	next := uint64(len(s.entries)) + 1
	seen := make(map[chain.DeviceSeq]struct{}, len(entries))
	for i, e := range entries {
		if e.Seq != next+uint64(i) {
			return fmt.Errorf("Append: seq %d out of order, want %d: %w", e.Seq, next+uint64(i), store.ErrConflict)
		}
		if e.Tap.LocalSeq > 0 {
			k := e.Tap.Key()
			if _, dup := s.byDevice[k]; dup {
				return fmt.Errorf("Append: %s already recorded: %w", k, store.ErrConflict)
			}
			if _, dup := seen[k]; dup {
				return fmt.Errorf("Append: %s repeated in batch: %w", k, store.ErrConflict)
			}
			seen[k] = struct{}{}
		}
		if _, dup := s.byEventID[e.EventID]; dup {
			return fmt.Errorf("Append: event %s already recorded: %w", e.EventID, store.ErrConflict)
		}
	}

	for _, e := range entries {
		s.entries = append(s.entries, e)
		if e.Tap.LocalSeq > 0 {
			s.byDevice[e.Tap.Key()] = e.Seq
			if e.Tap.LocalSeq > s.lastLocal[e.Tap.DeviceID] {
				s.lastLocal[e.Tap.DeviceID] = e.Tap.LocalSeq
			}
		}
		s.byEventID[e.EventID] = e.Seq
	}
	return nil
}

func (s *LedgerStore) Head(_ context.Context) (chain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return chain.Entry{}, store.ErrNotFound
	}
	return s.entries[len(s.entries)-1], nil
}

func (s *LedgerStore) ReadRange(_ context.Context, from, to uint64) ([]chain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	last := uint64(len(s.entries))
	if to > last {
		to = last
	}
	if from > to {
		return nil, nil
	}
	out := make([]chain.Entry, to-from+1)
	copy(out, s.entries[from-1:to])
	return out, nil
}

func (s *LedgerStore) Get(_ context.Context, seq uint64) (chain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq == 0 || seq > uint64(len(s.entries)) {
		return chain.Entry{}, store.ErrNotFound
	}
	return s.entries[seq-1], nil
}

func (s *LedgerStore) FindByDeviceSeq(_ context.Context, key chain.DeviceSeq) (chain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.byDevice[key]
	if !ok {
		return chain.Entry{}, store.ErrNotFound
	}
	return s.entries[seq-1], nil
}

func (s *LedgerStore) FindByEventID(_ context.Context, eventID string) (chain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.byEventID[eventID]
	if !ok {
		return chain.Entry{}, store.ErrNotFound
	}
	return s.entries[seq-1], nil
}

func (s *LedgerStore) LastDeviceSeq(_ context.Context, deviceID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastLocal[deviceID], nil
}

func (s *LedgerStore) CountCommittedSince(_ context.Context, t time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Commit times are monotonic in sequence order, so scan from the tail.
	var n int64
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].CommittedAt.Before(t) {
			break
		}
		n++
	}
	return n, nil
}

// Tamper rewrites a stored entry in place, bypassing the append-only
// contract.  Test-only helper for exercising chain verification.
func (s *LedgerStore) Tamper(seq uint64, fn func(*chain.Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.entries[seq-1])
}
