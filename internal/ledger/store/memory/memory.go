package memory

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
)

// HeartbeatStore is an in-memory heartbeat history.  It is intended for use
// in tests and dev environments.
type HeartbeatStore struct {
	mu   sync.RWMutex
	data map[string][]store.HeartbeatRecord
}

func NewHeartbeatStore() *HeartbeatStore {
	return &HeartbeatStore{
		data: make(map[string][]store.HeartbeatRecord),
	}
}

func (s *HeartbeatStore) AppendHeartbeat(_ context.Context, deviceID string, rec store.HeartbeatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	s.data[deviceID] = append(s.data[deviceID], rec)
	return nil
}

func (s *HeartbeatStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, recs := range s.data {
		kept := recs[:0]
		for _, r := range recs {
			if r.ReceivedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(s.data, id)
			continue
		}
		s.data[id] = kept
	}
	return deleted, nil
}

// Count returns the number of heartbeats held for deviceID.  Test-only helper.
func (s *HeartbeatStore) Count(deviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[deviceID])
}
