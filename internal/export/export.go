// Package export writes ledger entries as CSV or JSON for payroll and
// audit consumers.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/types"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat accepts "csv" or "json" in any case.  Empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// ContentType is the HTTP media type of f.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv; charset=utf-8"
}

// Header is the CSV column order.  It matches the JSON field names of
// types.EntryView.
var Header = []string{
	"seq", "event_id", "device_id", "local_seq", "employee_id", "kind",
	"device_time", "arrived_at", "committed_at", "corrects", "hash", "prev_hash",
}

const timeLayout = time.RFC3339Nano

// View converts an entry to its exported shape.  Times are UTC.
func View(e chain.Entry) types.EntryView {
	return types.EntryView{
		Seq:         e.Seq,
		EventID:     e.EventID,
		DeviceID:    e.Tap.DeviceID,
		LocalSeq:    e.Tap.LocalSeq,
		EmployeeID:  e.Tap.EmployeeID,
		Kind:        string(e.Tap.Kind),
		DeviceTime:  e.Tap.DeviceTime.UTC().Format(timeLayout),
		ArrivedAt:   e.Tap.ArrivedAt.UTC().Format(timeLayout),
		CommittedAt: e.CommittedAt.UTC().Format(timeLayout),
		Corrects:    e.Corrects,
		Hash:        e.Hash.String(),
		PrevHash:    e.PrevHash.String(),
	}
}

func record(v types.EntryView) []string {
	return []string{
		strconv.FormatUint(v.Seq, 10),
		v.EventID,
		v.DeviceID,
		strconv.FormatUint(v.LocalSeq, 10),
		v.EmployeeID,
		v.Kind,
		v.DeviceTime,
		v.ArrivedAt,
		v.CommittedAt,
		v.Corrects,
		v.Hash,
		v.PrevHash,
	}
}

// Write streams entries to w in format f and returns how many were
// written.  The JSON form is a single array.  Iteration stops at the first
// error from entries.
func Write(w io.Writer, f Format, entries iter.Seq2[chain.Entry, error]) (int, error) {
	switch f {
	case FormatCSV:
		return writeCSV(w, entries)
	case FormatJSON:
		return writeJSON(w, entries)
	default:
		return 0, fmt.Errorf("unknown export format %q", f)
	}
}

func writeCSV(w io.Writer, entries iter.Seq2[chain.Entry, error]) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return 0, err
	}
	n := 0
	for e, err := range entries {
		if err != nil {
			cw.Flush()
			return n, err
		}
		if err := cw.Write(record(View(e))); err != nil {
			return n, err
		}
		n++
	}
	cw.Flush()
	return n, cw.Error()
}

func writeJSON(w io.Writer, entries iter.Seq2[chain.Entry, error]) (int, error) {
	if _, err := io.WriteString(w, "[\n"); err != nil {
		return 0, err
	}
	n := 0
	for e, err := range entries {
		if err != nil {
			return n, err
		}
		b, err := json.Marshal(View(e))
		if err != nil {
			return n, err
		}
		if n > 0 {
			if _, err := io.WriteString(w, ",\n"); err != nil {
				return n, err
			}
		}
		if _, err := w.Write(b); err != nil {
			return n, err
		}
		n++
	}
	_, err := io.WriteString(w, "\n]\n")
	return n, err
}

// Slice adapts an in-memory slice to the iterator Write expects.
func Slice(entries []chain.Entry) iter.Seq2[chain.Entry, error] {
	return func(yield func(chain.Entry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}
