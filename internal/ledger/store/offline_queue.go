package store

import (
	"context"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
)

// OfflineQueueStore is the durable per-device buffer of taps captured while
// a device was offline.  Taps are kept until a reconciliation batch that
// contains them commits.
type OfflineQueueStore interface {
	// Enqueue stores taps for deviceID.  Taps already queued under the same
	// local sequence are left untouched.  Returns the queue length after the
	// write.
	Enqueue(ctx context.Context, deviceID string, taps []chain.RawTap) (int, error)

	// Pending returns the queued taps ordered by local sequence.
	Pending(ctx context.Context, deviceID string) ([]chain.RawTap, error)

	// Len returns the number of queued taps for deviceID.
	Len(ctx context.Context, deviceID string) (int, error)

	// Remove drops the given local sequences after they have been committed.
	Remove(ctx context.Context, deviceID string, localSeqs []uint64) error
}
