package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/Tapledger/server/internal/db"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
)

type HeartbeatStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewHeartbeatStore(db *sql.DB, writer *dbpkg.Worker) *HeartbeatStore {
	return &HeartbeatStore{db: db, writer: writer}
}

// AppendHeartbeat inserts one heartbeat row.  The device must already be
// registered; the foreign key rejects unknown ids.
func (s *HeartbeatStore) AppendHeartbeat(ctx context.Context, deviceID string, rec store.HeartbeatRecord) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil
	}

	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	recvMs := rec.ReceivedAt.UTC().UnixMilli()

	var rssi any
	if rec.Request.RSSIDbm != nil {
		rssi = *rec.Request.RSSIDbm
	}

	var uptimeMs any
	if rec.Request.UptimeSeconds != 0 {
		uptimeMs = int64(rec.Request.UptimeSeconds) * 1000
	}

	var queued any
	if rec.Request.QueuedEvents > 0 {
		queued = rec.Request.QueuedEvents
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO device_heartbeats(
  device_id, received_at_ms, uptime_ms, fw_version, wifi_rssi, ip, queued_events
) VALUES (?, ?, ?, ?, ?, ?, ?);
`, deviceID, recvMs, uptimeMs, strings.TrimSpace(rec.Request.FirmwareVersion), rssi,
			strings.TrimSpace(rec.Request.IP), queued); err != nil {
			return fmt.Errorf("AppendHeartbeat insert: %w", err)
		}
		return nil
	})
}

// PruneOlderThan deletes heartbeat rows received before cutoff and returns
// the number removed.  Uses idx_heartbeats_time.
func (s *HeartbeatStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UTC().UnixMilli()

	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM device_heartbeats
WHERE received_at_ms < ?;
`, cutoffMs)
		if err != nil {
			return fmt.Errorf("PruneOlderThan: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
