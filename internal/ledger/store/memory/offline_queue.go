package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
)

// OfflineQueueStore is an in-memory stand-in for the durable offline queue.
type OfflineQueueStore struct {
	mu     sync.Mutex
	queues map[string]map[uint64]chain.RawTap
}

func NewOfflineQueueStore() *OfflineQueueStore {
	return &OfflineQueueStore{queues: make(map[string]map[uint64]chain.RawTap)}
}

func (s *OfflineQueueStore) Enqueue(_ context.Context, deviceID string, taps []chain.RawTap) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[deviceID]
	if !ok {
		q = make(map[uint64]chain.RawTap)
		s.queues[deviceID] = q
	}
	for _, t := range taps {
		if _, exists := q[t.LocalSeq]; exists {
			continue
		}
		q[t.LocalSeq] = t
	}
	return len(q), nil
}

func (s *OfflineQueueStore) Pending(_ context.Context, deviceID string) ([]chain.RawTap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[deviceID]
	out := make([]chain.RawTap, 0, len(q))
	for _, t := range q {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalSeq < out[j].LocalSeq })
	return out, nil
}

func (s *OfflineQueueStore) Len(_ context.Context, deviceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[deviceID]), nil
}

func (s *OfflineQueueStore) Remove(_ context.Context, deviceID string, localSeqs []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[deviceID]
	for _, ls := range localSeqs {
		delete(q, ls)
	}
	if len(q) == 0 {
		delete(s.queues, deviceID)
	}
	return nil
}
