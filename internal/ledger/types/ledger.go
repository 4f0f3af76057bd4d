package types

// EntryView is the exported shape of a ledger entry.  The export formats
// and downstream consumers depend on exactly this field set.
type EntryView struct {
	Seq         uint64 `json:"seq"`
	EventID     string `json:"event_id"`
	DeviceID    string `json:"device_id"`
	LocalSeq    uint64 `json:"local_seq"`
	EmployeeID  string `json:"employee_id"`
	Kind        string `json:"kind"`
	DeviceTime  string `json:"device_time"`
	ArrivedAt   string `json:"arrived_at"`
	CommittedAt string `json:"committed_at"`
	Corrects    string `json:"corrects,omitempty"`
	Hash        string `json:"hash"`
	PrevHash    string `json:"prev_hash"`
}

type EntriesResponse struct {
	Entries []EntryView `json:"entries"`
	Head    uint64      `json:"head"`
}

type VerifyResponse struct {
	OK            bool   `json:"ok"`
	From          uint64 `json:"from"`
	To            uint64 `json:"to"`
	Checked       int    `json:"checked"`
	FirstMismatch uint64 `json:"first_mismatch,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type CorrectionRequest struct {
	Corrects   string `json:"corrects"`              // original event id
	Kind       string `json:"kind"`                  // amended kind or "void"
	DeviceTime string `json:"device_time,omitempty"` // defaults to the original
}
