package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/Tapledger/server/internal/db"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
)

type DeviceStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewDeviceStore(db *sql.DB, writer *dbpkg.Worker) *DeviceStore {
	return &DeviceStore{db: db, writer: writer}
}

const deviceColumns = `
device_id, name, location, state, active, last_seen_at_ms, missed_heartbeats,
queued_events, last_fw_version, last_ip, registered_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (store.DeviceRecord, error) {
	var (
		rec          store.DeviceRecord
		state        string
		active       int
		lastSeen     sql.NullInt64
		registeredMs int64
	)
	err := row.Scan(&rec.DeviceID, &rec.Name, &rec.Location, &state, &active, &lastSeen,
		&rec.MissedHeartbeats, &rec.QueuedEvents, &rec.FirmwareVersion, &rec.IP, &registeredMs)
	if err != nil {
		return store.DeviceRecord{}, err
	}
	rec.State = store.DeviceState(state)
	rec.Active = active == 1
	if lastSeen.Valid {
		rec.LastSeen = time.UnixMilli(lastSeen.Int64).UTC()
	}
	rec.RegisteredAt = time.UnixMilli(registeredMs).UTC()
	return rec, nil
}

func (s *DeviceStore) Create(ctx context.Context, rec store.DeviceRecord) error {
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now().UTC()
	}
	if rec.State == "" {
		rec.State = store.StateOffline
	}
	ms := rec.RegisteredAt.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO devices(
  device_id, name, location, state, active, registered_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?);
`, rec.DeviceID, rec.Name, rec.Location, string(rec.State), boolInt(rec.Active), ms, ms)
		if err != nil {
			return fmt.Errorf("Create device: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrConflict
		}
		return nil
	})
}

func (s *DeviceStore) Get(ctx context.Context, deviceID string) (store.DeviceRecord, error) {
	deviceID = strings.TrimSpace(deviceID)
	rec, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?;`, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.DeviceRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.DeviceRecord{}, fmt.Errorf("Get device: %w", err)
	}
	return rec, nil
}

func (s *DeviceStore) List(ctx context.Context) ([]store.DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY device_id;`)
	if err != nil {
		return nil, fmt.Errorf("List devices: %w", err)
	}
	defer rows.Close()

	var out []store.DeviceRecord
	for rows.Next() {
		rec, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("List devices scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Update reads, mutates and writes the device row inside one write
// transaction, so it is serialized with every other registry change.
func (s *DeviceStore) Update(ctx context.Context, deviceID string, fn func(*store.DeviceRecord) error) (store.DeviceRecord, error) {
	var out store.DeviceRecord
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rec, err := scanDevice(tx.QueryRowContext(ctx,
			`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?;`, deviceID))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("Update device read: %w", err)
		}
		out = rec
		if err := fn(&rec); err != nil {
			return err
		}

		var lastSeen any
		if !rec.LastSeen.IsZero() {
			lastSeen = rec.LastSeen.UTC().UnixMilli()
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE devices
SET name = ?,
    location = ?,
    state = ?,
    active = ?,
    last_seen_at_ms = ?,
    missed_heartbeats = ?,
    queued_events = ?,
    last_fw_version = ?,
    last_ip = ?,
    updated_at_ms = ?
WHERE device_id = ?;
`, rec.Name, rec.Location, string(rec.State), boolInt(rec.Active), lastSeen,
			rec.MissedHeartbeats, rec.QueuedEvents, rec.FirmwareVersion, rec.IP,
			time.Now().UTC().UnixMilli(), deviceID); err != nil {
			return fmt.Errorf("Update device write: %w", err)
		}
		out = rec
		return nil
	})
	return out, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
