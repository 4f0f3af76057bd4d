package chain

import (
	"fmt"
	"strings"
	"time"
)

// EventKind is the kind of tap recorded by a time clock.
type EventKind string

const (
	KindTimeIn     EventKind = "time_in"
	KindTimeOut    EventKind = "time_out"
	KindBreakStart EventKind = "break_start"
	KindBreakEnd   EventKind = "break_end"

	// KindVoid is only valid on correction entries; it cancels the
	// referenced event for downstream derivation.
	KindVoid EventKind = "void"
)

// ParseKind normalises s and reports whether it names a tap kind a device
// may submit.
func ParseKind(s string) (EventKind, bool) {
	k := EventKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindTimeIn, KindTimeOut, KindBreakStart, KindBreakEnd:
		return k, true
	}
	return k, false
}

// ValidCorrectionKind reports whether k may be used on a compensating entry.
func ValidCorrectionKind(k EventKind) bool {
	if k == KindVoid {
		return true
	}
	_, ok := ParseKind(string(k))
	return ok
}

// RawTap is a tap as produced by a device, before it has a ledger position.
type RawTap struct {
	DeviceID   string
	LocalSeq   uint64
	EmployeeID string
	Kind       EventKind
	DeviceTime time.Time // when the tap happened, per the device clock
	ArrivedAt  time.Time // when the ledger received it
}

// Key identifies a tap within one device's local sequence stream.
func (t RawTap) Key() DeviceSeq {
	return DeviceSeq{DeviceID: t.DeviceID, LocalSeq: t.LocalSeq}
}

// DeviceSeq is the idempotency key of a tap.
type DeviceSeq struct {
	DeviceID string
	LocalSeq uint64
}

func (k DeviceSeq) String() string {
	return fmt.Sprintf("%s#%d", k.DeviceID, k.LocalSeq)
}

// Entry is an immutable, ordered ledger record.
type Entry struct {
	Seq         uint64
	EventID     string
	Tap         RawTap
	CommittedAt time.Time

	// Corrects is the event id of the entry this one compensates.  Empty
	// for ordinary taps.
	Corrects string

	Hash     Hash
	PrevHash Hash
}

// IsCorrection reports whether e is an operator compensating entry.
func (e Entry) IsCorrection() bool { return e.Corrects != "" }
