package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
)

// DeviceRegistry owns device connectivity state.
//
//	online ⇄ offline
//	online | offline → maintenance → online
//
// Devices are never deleted; Deactivate keeps them for historical
// attribution.
type DeviceRegistry struct {
	store  store.DeviceStore
	clock  Clock
	alerts *AlertLog
	logger *slog.Logger
}

func NewDeviceRegistry(st store.DeviceStore, deps Deps) *DeviceRegistry {
	deps = deps.withDefaults()
	return &DeviceRegistry{store: st, clock: deps.Clock, alerts: deps.Alerts, logger: deps.Logger}
}

func (r *DeviceRegistry) Register(ctx context.Context, deviceID, name, location string) (store.DeviceRecord, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return store.DeviceRecord{}, invalid("device_id", "required")
	}
	if name = strings.TrimSpace(name); name == "" {
		name = deviceID
	}

	rec := store.DeviceRecord{
		DeviceID:     deviceID,
		Name:         name,
		Location:     strings.TrimSpace(location),
		State:        store.StateOffline,
		Active:       true,
		RegisteredAt: r.clock.Now(),
	}
	if err := r.store.Create(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.DeviceRecord{}, fmt.Errorf("%w: %s", ErrDuplicateDevice, deviceID)
		}
		return store.DeviceRecord{}, err
	}

	r.logger.InfoContext(ctx, "device registered", "device_id", deviceID, "location", rec.Location)
	return rec, nil
}

func (r *DeviceRegistry) Get(ctx context.Context, deviceID string) (store.DeviceRecord, error) {
	deviceID = strings.TrimSpace(deviceID)
	rec, err := r.store.Get(ctx, deviceID)
	if err != nil {
		return store.DeviceRecord{}, notFound("device "+deviceID, err)
	}
	return rec, nil
}

func (r *DeviceRegistry) List(ctx context.Context) ([]store.DeviceRecord, error) {
	return r.store.List(ctx)
}

// heartbeatInfo is the optional detail carried by a device heartbeat.
type heartbeatInfo struct {
	FirmwareVersion string
	IP              string
}

// RecordHeartbeat marks the device online and resets its missed-heartbeat
// counter.  A device in maintenance stays there.  The returned bool reports
// whether this heartbeat brought the device back from offline.
func (r *DeviceRegistry) RecordHeartbeat(ctx context.Context, deviceID string, at time.Time) (store.DeviceRecord, bool, error) {
	return r.recordHeartbeat(ctx, deviceID, at, heartbeatInfo{})
}

func (r *DeviceRegistry) recordHeartbeat(ctx context.Context, deviceID string, at time.Time, info heartbeatInfo) (store.DeviceRecord, bool, error) {
	if at.IsZero() {
		at = r.clock.Now()
	}
	var cameOnline bool
	rec, err := r.update(ctx, deviceID, func(d *store.DeviceRecord) error {
		if !d.Active {
			return invalid("device_id", "device is deactivated")
		}
		cameOnline = d.State == store.StateOffline
		if d.State != store.StateMaintenance {
			d.State = store.StateOnline
		}
		d.LastSeen = at
		d.MissedHeartbeats = 0
		if fw := strings.TrimSpace(info.FirmwareVersion); fw != "" {
			d.FirmwareVersion = fw
		}
		if ip := strings.TrimSpace(info.IP); ip != "" {
			d.IP = ip
		}
		return nil
	})
	if err != nil {
		return store.DeviceRecord{}, false, err
	}
	if cameOnline {
		r.logger.InfoContext(ctx, "device online", "device_id", rec.DeviceID)
	}
	return rec, cameOnline, nil
}

// MarkOffline handles a heartbeat timeout or an explicit going-offline
// signal from the device.
func (r *DeviceRegistry) MarkOffline(ctx context.Context, deviceID string) (store.DeviceRecord, error) {
	rec, err := r.update(ctx, deviceID, func(d *store.DeviceRecord) error {
		if d.State == store.StateMaintenance {
			return fmt.Errorf("%w: %s is in maintenance", ErrInvalidTransition, d.DeviceID)
		}
		d.State = store.StateOffline
		return nil
	})
	if err != nil {
		return store.DeviceRecord{}, err
	}
	r.logger.InfoContext(ctx, "device offline", "device_id", rec.DeviceID)
	return rec, nil
}

// SetMaintenance is an operator action, allowed from online or offline.
func (r *DeviceRegistry) SetMaintenance(ctx context.Context, deviceID string) (store.DeviceRecord, error) {
	rec, err := r.update(ctx, deviceID, func(d *store.DeviceRecord) error {
		d.State = store.StateMaintenance
		d.MissedHeartbeats = 0
		return nil
	})
	if err != nil {
		return store.DeviceRecord{}, err
	}
	r.logger.InfoContext(ctx, "device maintenance started", "device_id", rec.DeviceID)
	return rec, nil
}

// EndMaintenance returns a device to online.  Any other starting state is
// an invalid transition.
func (r *DeviceRegistry) EndMaintenance(ctx context.Context, deviceID string) (store.DeviceRecord, error) {
	rec, err := r.update(ctx, deviceID, func(d *store.DeviceRecord) error {
		if d.State != store.StateMaintenance {
			return fmt.Errorf("%w: %s is %s, not maintenance", ErrInvalidTransition, d.DeviceID, d.State)
		}
		d.State = store.StateOnline
		d.MissedHeartbeats = 0
		d.LastSeen = r.clock.Now()
		return nil
	})
	if err != nil {
		return store.DeviceRecord{}, err
	}
	r.logger.InfoContext(ctx, "device maintenance ended", "device_id", rec.DeviceID)
	return rec, nil
}

// Deactivate soft-deletes a device.  Its ledger history is untouched but
// new taps from it are rejected.
func (r *DeviceRegistry) Deactivate(ctx context.Context, deviceID string) (store.DeviceRecord, error) {
	rec, err := r.update(ctx, deviceID, func(d *store.DeviceRecord) error {
		d.Active = false
		return nil
	})
	if err != nil {
		return store.DeviceRecord{}, err
	}
	r.logger.InfoContext(ctx, "device deactivated", "device_id", rec.DeviceID)
	return rec, nil
}

// SetQueued records the number of taps waiting in the device's offline
// queue.
func (r *DeviceRegistry) SetQueued(ctx context.Context, deviceID string, n int) error {
	_, err := r.update(ctx, deviceID, func(d *store.DeviceRecord) error {
		d.QueuedEvents = n
		return nil
	})
	return err
}

// noteMissedHeartbeat counts one missed interval for an online device and
// takes it offline once limit is reached.  Offline, maintenance and
// inactive devices are left alone.  It reports whether the device went
// offline.
func (r *DeviceRegistry) noteMissedHeartbeat(ctx context.Context, deviceID string, limit int) (bool, error) {
	var wentOffline bool
	_, err := r.update(ctx, deviceID, func(d *store.DeviceRecord) error {
		if !d.Active || d.State != store.StateOnline {
			return errSkip
		}
		d.MissedHeartbeats++
		if d.MissedHeartbeats >= limit {
			d.State = store.StateOffline
			wentOffline = true
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if wentOffline {
		r.alerts.Raise(ctx, SeverityWarning, AlertDeviceOffline,
			fmt.Sprintf("device %s missed %d heartbeats", deviceID, limit))
	}
	return wentOffline, nil
}

var errSkip = errors.New("skip")

func (r *DeviceRegistry) update(ctx context.Context, deviceID string, fn func(*store.DeviceRecord) error) (store.DeviceRecord, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return store.DeviceRecord{}, invalid("device_id", "required")
	}
	rec, err := r.store.Update(ctx, deviceID, fn)
	if err != nil {
		return store.DeviceRecord{}, notFound("device "+deviceID, err)
	}
	return rec, nil
}
