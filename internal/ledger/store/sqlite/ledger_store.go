package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/Tapledger/server/internal/db"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
)

// LedgerStore persists chained entries in ledger_entries.  Triggers in the
// schema reject UPDATE and DELETE, so the table is append-only even for
// callers that bypass this type.
type LedgerStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewLedgerStore(db *sql.DB, writer *dbpkg.Worker) *LedgerStore {
	return &LedgerStore{db: db, writer: writer}
}

const entryColumns = `
seq, event_id, device_id, local_seq, employee_id, kind, device_time_ms,
arrived_at_ms, committed_at_ms, corrects, hash, prev_hash`

func scanEntry(row rowScanner) (chain.Entry, error) {
	var (
		e                                chain.Entry
		kind                             string
		deviceMs, arrivedMs, committedMs int64
		corrects                         sql.NullString
		hash, prev                       []byte
	)
	err := row.Scan(&e.Seq, &e.EventID, &e.Tap.DeviceID, &e.Tap.LocalSeq, &e.Tap.EmployeeID,
		&kind, &deviceMs, &arrivedMs, &committedMs, &corrects, &hash, &prev)
	if err != nil {
		return chain.Entry{}, err
	}
	e.Tap.Kind = chain.EventKind(kind)
	e.Tap.DeviceTime = time.UnixMilli(deviceMs).UTC()
	e.Tap.ArrivedAt = time.UnixMilli(arrivedMs).UTC()
	e.CommittedAt = time.UnixMilli(committedMs).UTC()
	e.Corrects = corrects.String
	if e.Hash, err = chain.HashFromBytes(hash); err != nil {
		return chain.Entry{}, fmt.Errorf("seq %d hash: %w", e.Seq, err)
	}
	if e.PrevHash, err = chain.HashFromBytes(prev); err != nil {
		return chain.Entry{}, fmt.Errorf("seq %d prev_hash: %w", e.Seq, err)
	}
	return e, nil
}

// Append inserts entries in one transaction.  A uniqueness violation on
// any row rolls back the whole batch and is reported as store.ErrConflict.
// The transaction is detached from ctx cancellation: once queued, a ledger
// write either commits fully or fails, never half way.
func (s *LedgerStore) Append(ctx context.Context, entries []chain.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.writer.DoDetached(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var head sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM ledger_entries;`).Scan(&head); err != nil {
			return fmt.Errorf("Append read head: %w", err)
		}
		want := uint64(head.Int64) + 1
		if entries[0].Seq != want {
			return fmt.Errorf("Append: seq %d does not follow head %d: %w", entries[0].Seq, head.Int64, store.ErrConflict)
		}

		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO ledger_entries(
  seq, event_id, device_id, local_seq, employee_id, kind, device_time_ms,
  arrived_at_ms, committed_at_ms, corrects, hash, prev_hash
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`)
		if err != nil {
			return fmt.Errorf("Append prepare: %w", err)
		}
		defer stmt.Close()

		for _, e := range entries {
			var corrects any
			if e.Corrects != "" {
				corrects = e.Corrects
			}
			if _, err := stmt.ExecContext(ctx,
				e.Seq, e.EventID, e.Tap.DeviceID, e.Tap.LocalSeq, e.Tap.EmployeeID,
				string(e.Tap.Kind), e.Tap.DeviceTime.UTC().UnixMilli(),
				e.Tap.ArrivedAt.UTC().UnixMilli(), e.CommittedAt.UTC().UnixMilli(),
				corrects, e.Hash[:], e.PrevHash[:],
			); err != nil {
				if isConstraint(err) {
					return fmt.Errorf("Append seq %d: %v: %w", e.Seq, err, store.ErrConflict)
				}
				return fmt.Errorf("Append seq %d: %w", e.Seq, err)
			}
		}
		return nil
	})
}

func (s *LedgerStore) Head(ctx context.Context) (chain.Entry, error) {
	return s.one(ctx, "Head", `SELECT `+entryColumns+` FROM ledger_entries ORDER BY seq DESC LIMIT 1;`)
}

func (s *LedgerStore) Get(ctx context.Context, seq uint64) (chain.Entry, error) {
	return s.one(ctx, "Get", `SELECT `+entryColumns+` FROM ledger_entries WHERE seq = ?;`, seq)
}

func (s *LedgerStore) FindByDeviceSeq(ctx context.Context, key chain.DeviceSeq) (chain.Entry, error) {
	return s.one(ctx, "FindByDeviceSeq",
		`SELECT `+entryColumns+` FROM ledger_entries WHERE device_id = ? AND local_seq = ? AND local_seq > 0;`,
		key.DeviceID, key.LocalSeq)
}

func (s *LedgerStore) FindByEventID(ctx context.Context, eventID string) (chain.Entry, error) {
	return s.one(ctx, "FindByEventID",
		`SELECT `+entryColumns+` FROM ledger_entries WHERE event_id = ?;`, strings.TrimSpace(eventID))
}

func (s *LedgerStore) one(ctx context.Context, op, query string, args ...any) (chain.Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return chain.Entry{}, store.ErrNotFound
	}
	if err != nil {
		return chain.Entry{}, fmt.Errorf("%s: %w", op, err)
	}
	return e, nil
}

func (s *LedgerStore) ReadRange(ctx context.Context, from, to uint64) ([]chain.Entry, error) {
	if from == 0 {
		from = 1
	}
	if from > to {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE seq BETWEEN ? AND ? ORDER BY seq;`, from, to)
	if err != nil {
		return nil, fmt.Errorf("ReadRange: %w", err)
	}
	defer rows.Close()

	var out []chain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ReadRange scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *LedgerStore) LastDeviceSeq(ctx context.Context, deviceID string) (uint64, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(local_seq) FROM ledger_entries WHERE device_id = ? AND local_seq > 0;`, deviceID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("LastDeviceSeq: %w", err)
	}
	return uint64(last.Int64), nil
}

func (s *LedgerStore) CountCommittedSince(ctx context.Context, t time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE committed_at_ms >= ?;`, t.UTC().UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountCommittedSince: %w", err)
	}
	return n, nil
}

// isConstraint matches SQLite constraint failures by message so the store
// does not depend on driver-specific error types.
func isConstraint(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
