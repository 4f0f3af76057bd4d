package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
)

// LedgerStore persists chained entries.  It never updates or deletes.
//
// Append writes the whole slice atomically: either every entry becomes
// visible or none does.  Callers are responsible for sequencing; stores
// only reject writes that would break uniqueness.
type LedgerStore interface {
	Append(ctx context.Context, entries []chain.Entry) error

	// Head returns the entry with the highest sequence, or ErrNotFound on an
	// empty ledger.
	Head(ctx context.Context) (chain.Entry, error)

	// ReadRange returns entries with from <= seq <= to in sequence order.
	ReadRange(ctx context.Context, from, to uint64) ([]chain.Entry, error)

	// Get returns the entry at seq, or ErrNotFound.
	Get(ctx context.Context, seq uint64) (chain.Entry, error)

	// FindByDeviceSeq returns the entry recorded for a device-local
	// sequence, or ErrNotFound.
	FindByDeviceSeq(ctx context.Context, key chain.DeviceSeq) (chain.Entry, error)

	// FindByEventID returns the entry with the given event id, or ErrNotFound.
	FindByEventID(ctx context.Context, eventID string) (chain.Entry, error)

	// LastDeviceSeq returns the highest device-local sequence committed for
	// deviceID, or 0 when the device has no entries.
	LastDeviceSeq(ctx context.Context, deviceID string) (uint64, error)

	// CountCommittedSince counts entries committed at or after t.
	CountCommittedSince(ctx context.Context, t time.Time) (int64, error)
}
