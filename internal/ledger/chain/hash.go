package chain

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Hash is a 32-byte keyed BLAKE3 digest.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool { return h == Hash{} }

// MarshalText encodes h as lowercase hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex digest.
func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64-character hex digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("parse hash: want %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// HashFromBytes copies a stored digest.  Short or long input is an error so
// truncated columns are never silently accepted.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("hash length %d, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

type domainKey [32]byte

// Domain keys are fixed forever: changing one invalidates every stored hash
// in that domain.
var (
	entryDomainKey = domainKey{
		't', 'a', 'p', 'l', 'e', 'd', 'g', 'e', 'r', '.', 'e', 'n', 't', 'r', 'y',
	}
	batchDomainKey = domainKey{
		't', 'a', 'p', 'l', 'e', 'd', 'g', 'e', 'r', '.', 'b', 'a', 't', 'c', 'h',
	}
	genesisDomainKey = domainKey{
		't', 'a', 'p', 'l', 'e', 'd', 'g', 'e', 'r', '.', 'g', 'e', 'n', 'e', 's', 'i', 's',
	}
)

// GenesisHash is the prev_hash of the first ledger entry.
var GenesisHash = keyedHash(genesisDomainKey, []byte("tapledger.genesis"))

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("chain: CBOR encoder initialization failed: " + err.Error())
	}
}

// canonicalEntry is the exact field set covered by an entry hash.  Integer
// keys keep the encoding independent of Go field names.
type canonicalEntry struct {
	Seq          uint64 `cbor:"1,keyasint"`
	DeviceID     string `cbor:"2,keyasint"`
	LocalSeq     uint64 `cbor:"3,keyasint"`
	EmployeeID   string `cbor:"4,keyasint"`
	Kind         string `cbor:"5,keyasint"`
	DeviceTimeMs int64  `cbor:"6,keyasint"`
	PrevHash     []byte `cbor:"7,keyasint"`
	Corrects     string `cbor:"8,keyasint,omitempty"`
}

// Canonical returns the deterministic encoding hashed by ComputeHash.
func Canonical(e Entry) ([]byte, error) {
	return encMode.Marshal(canonicalEntry{
		Seq:          e.Seq,
		DeviceID:     e.Tap.DeviceID,
		LocalSeq:     e.Tap.LocalSeq,
		EmployeeID:   e.Tap.EmployeeID,
		Kind:         string(e.Tap.Kind),
		DeviceTimeMs: e.Tap.DeviceTime.UTC().UnixMilli(),
		PrevHash:     e.PrevHash[:],
		Corrects:     e.Corrects,
	})
}

// ComputeHash returns the content hash of e.  Stored Hash, EventID, arrival
// and commit times are not covered.
func ComputeHash(e Entry) Hash {
	b, err := Canonical(e)
	if err != nil {
		// Only plain strings and integers are encoded.
		panic("chain: canonical encoding failed: " + err.Error())
	}
	return keyedHash(entryDomainKey, b)
}

// Link sets e.PrevHash to prev and fills e.Hash.
func Link(prev Hash, e Entry) Entry {
	e.PrevHash = prev
	e.Hash = ComputeHash(e)
	return e
}

type canonicalTap struct {
	LocalSeq     uint64 `cbor:"1,keyasint"`
	EmployeeID   string `cbor:"2,keyasint"`
	Kind         string `cbor:"3,keyasint"`
	DeviceTimeMs int64  `cbor:"4,keyasint"`
}

type canonicalBatch struct {
	DeviceID string         `cbor:"1,keyasint"`
	Taps     []canonicalTap `cbor:"2,keyasint"`
}

// BatchChecksum is the hex checksum a device attaches to an offline-queue
// upload.  It covers the device id and the ordered tap fields.
func BatchChecksum(deviceID string, taps []RawTap) string {
	cb := canonicalBatch{DeviceID: deviceID, Taps: make([]canonicalTap, len(taps))}
	for i, t := range taps {
		cb.Taps[i] = canonicalTap{
			LocalSeq:     t.LocalSeq,
			EmployeeID:   t.EmployeeID,
			Kind:         string(t.Kind),
			DeviceTimeMs: t.DeviceTime.UTC().UnixMilli(),
		}
	}
	b, err := encMode.Marshal(cb)
	if err != nil {
		panic("chain: canonical batch encoding failed: " + err.Error())
	}
	return keyedHash(batchDomainKey, b).String()
}

func keyedHash(key domainKey, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("chain: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}
