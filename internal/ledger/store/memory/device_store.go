package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
)

type deviceSlot struct {
	mu  sync.Mutex
	rec store.DeviceRecord
}

// DeviceStore keeps one lock per device so transitions on different
// devices never contend.
type DeviceStore struct {
	mu      sync.RWMutex
	devices map[string]*deviceSlot
}

func NewDeviceStore() *DeviceStore {
	return &DeviceStore{devices: make(map[string]*deviceSlot)}
}

func (s *DeviceStore) slot(deviceID string) (*deviceSlot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.devices[deviceID]
	return sl, ok
}

func (s *DeviceStore) Create(_ context.Context, rec store.DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[rec.DeviceID]; ok {
		return store.ErrConflict
	}
	s.devices[rec.DeviceID] = &deviceSlot{rec: rec}
	return nil
}

func (s *DeviceStore) Get(_ context.Context, deviceID string) (store.DeviceRecord, error) {
	sl, ok := s.slot(deviceID)
	if !ok {
		return store.DeviceRecord{}, store.ErrNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.rec, nil
}

func (s *DeviceStore) List(_ context.Context) ([]store.DeviceRecord, error) {
	s.mu.RLock()
	slots := make([]*deviceSlot, 0, len(s.devices))
	for _, sl := range s.devices {
		slots = append(slots, sl)
	}
	s.mu.RUnlock()

	out := make([]store.DeviceRecord, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		out = append(out, sl.rec)
		sl.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *DeviceStore) Update(_ context.Context, deviceID string, fn func(*store.DeviceRecord) error) (store.DeviceRecord, error) {
	sl, ok := s.slot(deviceID)
	if !ok {
		return store.DeviceRecord{}, store.ErrNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	rec := sl.rec
	if err := fn(&rec); err != nil {
		return sl.rec, err
	}
	sl.rec = rec
	return rec, nil
}
