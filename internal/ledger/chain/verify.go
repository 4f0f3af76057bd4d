package chain

import "fmt"

// Mismatch describes the first entry that fails verification.
type Mismatch struct {
	Seq    uint64
	Reason string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("seq %d: %s", m.Seq, m.Reason)
}

// VerifyEntries checks a contiguous run of entries.  prev is the stored hash
// of the entry before entries[0] (GenesisHash when entries[0] is sequence 1).
// It returns the first failure, or nil when the run is intact.
//
// Linkage is checked against stored hashes so a single edited entry is
// reported at its own sequence, not at its successor.
func VerifyEntries(prev Hash, entries []Entry) *Mismatch {
	if len(entries) == 0 {
		return nil
	}
	expectSeq := entries[0].Seq
	for _, e := range entries {
		if e.Seq != expectSeq {
			return &Mismatch{Seq: expectSeq, Reason: fmt.Sprintf("sequence gap, found %d", e.Seq)}
		}
		if e.PrevHash != prev {
			return &Mismatch{Seq: e.Seq, Reason: "prev_hash does not match predecessor"}
		}
		if got := ComputeHash(e); got != e.Hash {
			return &Mismatch{Seq: e.Seq, Reason: "content hash mismatch"}
		}
		prev = e.Hash
		expectSeq++
	}
	return nil
}
