package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type SeedDevOptions struct {
	// Devices to pre-register in dev so taps are accepted immediately.
	KnownDevices []string
	// Cards to enroll as active employees.
	CardIDs []string
}

func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC().UnixMilli()

	devices := opt.KnownDevices
	if len(devices) == 0 {
		devices = []string{"GATE-01"}
	}
	for _, id := range devices {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO devices(device_id, name, location, state, active, registered_at_ms, updated_at_ms)
VALUES (?, ?, 'Dev', 'offline', 1, ?, ?);`, id, id, now, now); err != nil {
			return fmt.Errorf("seed device %s: %w", id, err)
		}
	}

	for _, card := range opt.CardIDs {
		card = strings.TrimSpace(card)
		if card == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, `
INSERT INTO employees(card_id, display_name, active, created_at_ms, updated_at_ms)
VALUES (?, '', 1, ?, ?)
ON CONFLICT(card_id) DO UPDATE SET
  active = 1,
  updated_at_ms = excluded.updated_at_ms;`, card, now, now); err != nil {
			return fmt.Errorf("seed employee %s: %w", card, err)
		}
	}

	return nil
}
