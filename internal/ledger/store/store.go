package store

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/types"
)

// Sentinel errors shared by every store implementation.  Services translate
// them into domain errors.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type HeartbeatRecord struct {
	ReceivedAt time.Time
	Request    types.HeartbeatRequest
}

// HeartbeatStore keeps the append-only heartbeat history of each device.
type HeartbeatStore interface {
	AppendHeartbeat(ctx context.Context, deviceID string, rec HeartbeatRecord) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
