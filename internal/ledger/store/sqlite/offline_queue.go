package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/Tapledger/server/internal/db"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
)

// OfflineQueueStore is the durable per-device tap buffer.  Rows survive
// restarts and are only removed once their batch has committed.
type OfflineQueueStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewOfflineQueueStore(db *sql.DB, writer *dbpkg.Worker) *OfflineQueueStore {
	return &OfflineQueueStore{db: db, writer: writer}
}

func (s *OfflineQueueStore) Enqueue(ctx context.Context, deviceID string, taps []chain.RawTap) (int, error) {
	var n int
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		nowMs := time.Now().UTC().UnixMilli()
		for _, t := range taps {
			if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO offline_queue(
  device_id, local_seq, employee_id, kind, device_time_ms, uploaded_at_ms
) VALUES (?, ?, ?, ?, ?, ?);
`, deviceID, t.LocalSeq, t.EmployeeID, string(t.Kind), t.DeviceTime.UTC().UnixMilli(), nowMs); err != nil {
				return fmt.Errorf("Enqueue %s#%d: %w", deviceID, t.LocalSeq, err)
			}
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM offline_queue WHERE device_id = ?;`, deviceID).Scan(&n); err != nil {
			return fmt.Errorf("Enqueue count: %w", err)
		}
		return nil
	})
	return n, err
}

func (s *OfflineQueueStore) Pending(ctx context.Context, deviceID string) ([]chain.RawTap, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT local_seq, employee_id, kind, device_time_ms, uploaded_at_ms
FROM offline_queue
WHERE device_id = ?
ORDER BY local_seq;
`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("Pending: %w", err)
	}
	defer rows.Close()

	var out []chain.RawTap
	for rows.Next() {
		var (
			t                  chain.RawTap
			kind               string
			deviceMs, uploadMs int64
		)
		if err := rows.Scan(&t.LocalSeq, &t.EmployeeID, &kind, &deviceMs, &uploadMs); err != nil {
			return nil, fmt.Errorf("Pending scan: %w", err)
		}
		t.DeviceID = deviceID
		t.Kind = chain.EventKind(kind)
		t.DeviceTime = time.UnixMilli(deviceMs).UTC()
		t.ArrivedAt = time.UnixMilli(uploadMs).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *OfflineQueueStore) Len(ctx context.Context, deviceID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offline_queue WHERE device_id = ?;`, deviceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("Len: %w", err)
	}
	return n, nil
}

func (s *OfflineQueueStore) Remove(ctx context.Context, deviceID string, localSeqs []uint64) error {
	if len(localSeqs) == 0 {
		return nil
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, ls := range localSeqs {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM offline_queue WHERE device_id = ? AND local_seq = ?;`, deviceID, ls); err != nil {
				return fmt.Errorf("Remove %s#%d: %w", deviceID, ls, err)
			}
		}
		return nil
	})
}
