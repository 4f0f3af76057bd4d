package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/service"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/types"
)

func TestDeviceRegistry_Register(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	rec, err := h.registry.Register(ctx, " GATE-03 ", "", "Loading dock")
	require.NoError(t, err)
	assert.Equal(t, "GATE-03", rec.DeviceID)
	assert.Equal(t, "GATE-03", rec.Name)
	assert.Equal(t, store.StateOffline, rec.State)
	assert.True(t, rec.Active)
	assert.Equal(t, t0, rec.RegisteredAt)

	_, err = h.registry.Register(ctx, "GATE-03", "Dock", "")
	assert.ErrorIs(t, err, service.ErrDuplicateDevice)

	_, err = h.registry.Register(ctx, "", "", "")
	assert.ErrorIs(t, err, service.ErrValidation)

	list, err := h.registry.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestDeviceRegistry_StateMachine(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	rec, cameOnline, err := h.registry.RecordHeartbeat(ctx, "GATE-01", t0)
	require.NoError(t, err)
	assert.True(t, cameOnline)
	assert.Equal(t, store.StateOnline, rec.State)

	_, cameOnline, err = h.registry.RecordHeartbeat(ctx, "GATE-01", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, cameOnline)

	rec, err = h.registry.MarkOffline(ctx, "GATE-01")
	require.NoError(t, err)
	assert.Equal(t, store.StateOffline, rec.State)

	rec, err = h.registry.SetMaintenance(ctx, "GATE-01")
	require.NoError(t, err)
	assert.Equal(t, store.StateMaintenance, rec.State)

	// Heartbeats during maintenance refresh last-seen only.
	rec, _, err = h.registry.RecordHeartbeat(ctx, "GATE-01", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, store.StateMaintenance, rec.State)
	assert.Equal(t, t0.Add(2*time.Minute), rec.LastSeen)

	_, err = h.registry.MarkOffline(ctx, "GATE-01")
	assert.ErrorIs(t, err, service.ErrInvalidTransition)

	rec, err = h.registry.EndMaintenance(ctx, "GATE-01")
	require.NoError(t, err)
	assert.Equal(t, store.StateOnline, rec.State)

	_, err = h.registry.EndMaintenance(ctx, "GATE-01")
	assert.ErrorIs(t, err, service.ErrInvalidTransition)

	_, err = h.registry.MarkOffline(ctx, "GATE-99")
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestDeviceRegistry_DeactivateKeepsRecord(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	_, err := h.registry.Deactivate(ctx, "GATE-02")
	require.NoError(t, err)

	rec, err := h.registry.Get(ctx, "GATE-02")
	require.NoError(t, err)
	assert.False(t, rec.Active)

	_, _, err = h.registry.RecordHeartbeat(ctx, "GATE-02", t0)
	assert.ErrorIs(t, err, service.ErrValidation)
}

func TestHeartbeatWatchdog_TakesSilentDevicesOffline(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	h.online(t, "GATE-01")
	h.online(t, "GATE-02")
	_, err := h.registry.SetMaintenance(ctx, "GATE-02")
	require.NoError(t, err)

	wd := service.NewHeartbeatWatchdog(h.registry, service.WatchdogConfig{
		Interval:    30 * time.Second,
		MissedLimit: 3,
	}, h.deps)

	h.clock.Advance(10 * time.Second)
	offline, err := wd.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, offline)

	h.clock.Advance(30 * time.Second)
	for i := 1; i <= 2; i++ {
		offline, err = wd.Sweep(ctx)
		require.NoError(t, err)
		assert.Empty(t, offline)
		rec, err := h.registry.Get(ctx, "GATE-01")
		require.NoError(t, err)
		assert.Equal(t, i, rec.MissedHeartbeats)
		assert.Equal(t, store.StateOnline, rec.State)
	}

	offline, err = wd.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"GATE-01"}, offline)
	assert.True(t, h.hasAlert(service.AlertDeviceOffline, service.SeverityWarning))

	rec, err := h.registry.Get(ctx, "GATE-02")
	require.NoError(t, err)
	assert.Equal(t, store.StateMaintenance, rec.State, "maintenance devices are never timed out")

	// A heartbeat resets the counter and brings the device back.
	h.online(t, "GATE-01")
	rec, err = h.registry.Get(ctx, "GATE-01")
	require.NoError(t, err)
	assert.Equal(t, store.StateOnline, rec.State)
	assert.Zero(t, rec.MissedHeartbeats)
}

func TestHeartbeatService_Record(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	resp, err := h.heartbeat.Record(ctx, types.HeartbeatRequest{DeviceID: "GATE-99"})
	require.NoError(t, err, "unknown devices get an answer, not an error")
	assert.False(t, resp.OK)
	assert.False(t, resp.Known)

	_, err = h.heartbeat.Record(ctx, types.HeartbeatRequest{})
	assert.ErrorIs(t, err, service.ErrValidation)

	resp, err = h.heartbeat.Record(ctx, types.HeartbeatRequest{
		DeviceID:        "GATE-01",
		FirmwareVersion: "2.4.1",
		IP:              "10.0.0.21",
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.True(t, resp.Known)
	assert.Equal(t, "online", resp.State)
	assert.Equal(t, 1, h.heartbeats.Count("GATE-01"))

	rec, err := h.registry.Get(ctx, "GATE-01")
	require.NoError(t, err)
	assert.Equal(t, "2.4.1", rec.FirmwareVersion)
	assert.Equal(t, "10.0.0.21", rec.IP)
	assert.Equal(t, t0, rec.LastSeen)
}
