package types

type RegisterDeviceRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Location string `json:"location"`
}

type MaintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

type DeviceView struct {
	DeviceID         string `json:"device_id"`
	Name             string `json:"name"`
	Location         string `json:"location"`
	State            string `json:"state"`
	Active           bool   `json:"active"`
	LastSeen         string `json:"last_seen,omitempty"`
	MissedHeartbeats int    `json:"missed_heartbeats"`
	QueuedEvents     int    `json:"queued_events"`
	FirmwareVersion  string `json:"firmware_version,omitempty"`
	RegisteredAt     string `json:"registered_at"`
}

type EmployeeRequest struct {
	DisplayName string `json:"display_name"`
}
