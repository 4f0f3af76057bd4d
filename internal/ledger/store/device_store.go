package store

import (
	"context"
	"time"
)

// DeviceState is the connectivity state of a time clock.
type DeviceState string

const (
	StateOnline      DeviceState = "online"
	StateOffline     DeviceState = "offline"
	StateMaintenance DeviceState = "maintenance"
)

type DeviceRecord struct {
	DeviceID         string
	Name             string
	Location         string
	State            DeviceState
	Active           bool
	LastSeen         time.Time // zero until the first heartbeat
	MissedHeartbeats int
	QueuedEvents     int
	FirmwareVersion  string
	IP               string
	RegisteredAt     time.Time
}

// DeviceStore persists the registry.  Update runs fn against the current
// record under the device's lock (or inside a write transaction) and stores
// the result only when fn returns nil.
type DeviceStore interface {
	Create(ctx context.Context, rec DeviceRecord) error // ErrConflict if the id exists
	Get(ctx context.Context, deviceID string) (DeviceRecord, error)
	List(ctx context.Context) ([]DeviceRecord, error)
	Update(ctx context.Context, deviceID string, fn func(*DeviceRecord) error) (DeviceRecord, error)
}
