package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BrandonDHaskell/Tapledger/server/internal/db"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
	sqlitestore "github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store/sqlite"
)

// openTestDB returns an in-memory SQLite connection with the same PRAGMAs
// and schema as production.  The connection is closed automatically when the
// test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Each test gets its own named in-memory database; subtest names
	// contain '/', which is not valid in the URI path.
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		name,
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}

	// Match production: single connection for SQLite safety.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}

	if err := db.Migrate(conn); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestWriter returns a db.Worker backed by conn.  The worker is closed
// automatically when the test finishes.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn)
	t.Cleanup(func() { w.Close() })
	return w
}

// registerDevice inserts a device row so foreign keys on heartbeats and the
// offline queue are satisfied.
func registerDevice(t *testing.T, conn *sql.DB, w *db.Worker, deviceID string) {
	t.Helper()

	ds := sqlitestore.NewDeviceStore(conn, w)
	err := ds.Create(context.Background(), store.DeviceRecord{
		DeviceID: deviceID,
		Name:     deviceID,
		State:    store.StateOffline,
		Active:   true,
	})
	if err != nil {
		t.Fatalf("registerDevice %s: %v", deviceID, err)
	}
}

var testBase = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// linkTaps chains taps onto prev starting at seq.
func linkTaps(prev chain.Hash, seq uint64, taps ...chain.RawTap) []chain.Entry {
	out := make([]chain.Entry, 0, len(taps))
	for i, tp := range taps {
		e := chain.Link(prev, chain.Entry{
			Seq:         seq + uint64(i),
			EventID:     fmt.Sprintf("evt-%d", seq+uint64(i)),
			Tap:         tp,
			CommittedAt: testBase.Add(time.Duration(seq+uint64(i)) * time.Minute),
		})
		out = append(out, e)
		prev = e.Hash
	}
	return out
}

func testTap(device string, local uint64, kind chain.EventKind, at time.Time) chain.RawTap {
	return chain.RawTap{
		DeviceID:   device,
		LocalSeq:   local,
		EmployeeID: "CARD-0001",
		Kind:       kind,
		DeviceTime: at,
		ArrivedAt:  at.Add(2 * time.Second),
	}
}
