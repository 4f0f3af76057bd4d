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

type RosterStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewRosterStore(db *sql.DB, writer *dbpkg.Worker) *RosterStore {
	return &RosterStore{db: db, writer: writer}
}

func (s *RosterStore) IsActive(ctx context.Context, cardID string) (bool, error) {
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT active FROM employees WHERE card_id = ?;`, strings.TrimSpace(cardID)).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("IsActive: %w", err)
	}
	return active == 1, nil
}

func (s *RosterStore) Upsert(ctx context.Context, rec store.EmployeeRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	ms := rec.UpdatedAt.UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO employees(card_id, display_name, active, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(card_id) DO UPDATE SET
  display_name = excluded.display_name,
  active = excluded.active,
  updated_at_ms = excluded.updated_at_ms;
`, rec.CardID, rec.DisplayName, boolInt(rec.Active), ms, ms); err != nil {
			return fmt.Errorf("Upsert employee: %w", err)
		}
		return nil
	})
}

func (s *RosterStore) Deactivate(ctx context.Context, cardID string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE employees SET active = 0, updated_at_ms = ? WHERE card_id = ?;`,
			time.Now().UTC().UnixMilli(), cardID)
		if err != nil {
			return fmt.Errorf("Deactivate employee: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}
