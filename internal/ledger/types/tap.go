package types

// TapRequest is one tap as sent by a time clock.
type TapRequest struct {
	DeviceID   string `json:"device_id"`
	LocalSeq   uint64 `json:"local_seq"`
	CardID     string `json:"card_id"`
	Kind       string `json:"kind"`
	DeviceTime string `json:"device_time"` // RFC3339
}

type TapResponse struct {
	OK         bool   `json:"ok"`
	Seq        uint64 `json:"seq"`
	EventID    string `json:"event_id"`
	Hash       string `json:"hash"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Gap        bool   `json:"gap,omitempty"`
	ServerTime string `json:"server_time"`
}

// QueueUploadRequest carries a device's offline buffer.
type QueueUploadRequest struct {
	Taps     []TapRequest `json:"taps"`
	Checksum string       `json:"checksum"`
}

type QueueUploadResponse struct {
	OK          bool   `json:"ok"`
	DeviceID    string `json:"device_id"`
	Queued      int    `json:"queued"`
	Skipped     int    `json:"skipped"`
	SyncStarted bool   `json:"sync_started"` // device is online, reconciliation kicked off
}

type SyncResponse struct {
	OK        bool   `json:"ok"`
	DeviceID  string `json:"device_id"`
	Committed int    `json:"committed"`
	FirstSeq  uint64 `json:"first_seq,omitempty"`
	LastSeq   uint64 `json:"last_seq,omitempty"`
}
