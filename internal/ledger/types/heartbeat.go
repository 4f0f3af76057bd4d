package types

type HeartbeatRequest struct {
	DeviceID        string `json:"device_id"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	UptimeSeconds   uint64 `json:"uptime_s,omitempty"`
	RSSIDbm         *int   `json:"rssi_dbm,omitempty"`
	IP              string `json:"ip,omitempty"`
	QueuedEvents    int    `json:"queued_events,omitempty"` // taps buffered locally, informational
	SentAt          string `json:"sent_at,omitempty"`       // optional device timestamp
}

type HeartbeatResponse struct {
	OK         bool   `json:"ok"`
	Known      bool   `json:"known"`
	DeviceID   string `json:"device_id"`
	State      string `json:"state,omitempty"`
	ServerTime string `json:"server_time"`
}
