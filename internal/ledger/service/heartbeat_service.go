package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/types"
)

// SyncTrigger starts an asynchronous offline-queue sync for a device.
type SyncTrigger interface {
	Trigger(deviceID string)
}

type HeartbeatService struct {
	heartbeatStore store.HeartbeatStore
	registry       *DeviceRegistry
	sync           SyncTrigger
	clock          Clock
	logger         *slog.Logger
}

// NewHeartbeatService wires heartbeats to the registry.  sync may be nil,
// in which case reconnecting devices are not reconciled automatically.
func NewHeartbeatService(hs store.HeartbeatStore, reg *DeviceRegistry, sync SyncTrigger, deps Deps) *HeartbeatService {
	deps = deps.withDefaults()
	return &HeartbeatService{
		heartbeatStore: hs,
		registry:       reg,
		sync:           sync,
		clock:          deps.Clock,
		logger:         deps.Logger,
	}
}

func (s *HeartbeatService) Record(ctx context.Context, req types.HeartbeatRequest) (types.HeartbeatResponse, error) {
	now := s.clock.Now()

	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		return types.HeartbeatResponse{}, invalid("device_id", "required")
	}

	rec, cameOnline, err := s.registry.recordHeartbeat(ctx, deviceID, now, heartbeatInfo{
		FirmwareVersion: req.FirmwareVersion,
		IP:              req.IP,
	})
	if errors.Is(err, ErrNotFound) {
		// Unregistered devices get an answer so they can keep buffering
		// taps locally until an operator provisions them.
		return types.HeartbeatResponse{
			OK:         false,
			Known:      false,
			DeviceID:   deviceID,
			ServerTime: now.Format(time.RFC3339Nano),
		}, nil
	}
	if err != nil {
		return types.HeartbeatResponse{}, err
	}

	if err := s.heartbeatStore.AppendHeartbeat(ctx, deviceID, store.HeartbeatRecord{
		ReceivedAt: now,
		Request:    req,
	}); err != nil {
		return types.HeartbeatResponse{}, err
	}

	if s.sync != nil && rec.State == store.StateOnline && rec.QueuedEvents > 0 {
		s.logger.InfoContext(ctx, "triggering offline sync",
			"device_id", deviceID, "queued", rec.QueuedEvents, "reconnected", cameOnline)
		s.sync.Trigger(deviceID)
	}

	return types.HeartbeatResponse{
		OK:         true,
		Known:      true,
		DeviceID:   deviceID,
		State:      string(rec.State),
		ServerTime: now.Format(time.RFC3339Nano),
	}, nil
}
