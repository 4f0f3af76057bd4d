package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/service"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store/memory"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/types"
)

func TestHeartbeatPruner_DisabledWhenRetentionZero(t *testing.T) {
	pruner := service.NewHeartbeatPruner(memory.NewHeartbeatStore(), service.PrunerConfig{
		RetentionDays: 0,
		Interval:      time.Hour,
	}, service.Deps{Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pruner.Start(ctx)
	// Stop should return immediately without error.
	pruner.Stop()
}

func TestHeartbeatPruner_PrunesOldRecords(t *testing.T) {
	hs := memory.NewHeartbeatStore()
	clock := newFakeClock(t0)
	ctx := context.Background()

	require.NoError(t, hs.AppendHeartbeat(ctx, "GATE-OLD", store.HeartbeatRecord{
		ReceivedAt: t0.AddDate(0, 0, -40),
		Request:    types.HeartbeatRequest{DeviceID: "GATE-OLD"},
	}))
	require.NoError(t, hs.AppendHeartbeat(ctx, "GATE-NEW", store.HeartbeatRecord{
		ReceivedAt: t0.AddDate(0, 0, -1),
		Request:    types.HeartbeatRequest{DeviceID: "GATE-NEW"},
	}))

	pruner := service.NewHeartbeatPruner(hs, service.PrunerConfig{RetentionDays: 30},
		service.Deps{Clock: clock, Logger: discardLogger()})

	assert.Equal(t, int64(1), pruner.PruneOnce(ctx))
	assert.Zero(t, hs.Count("GATE-OLD"))
	assert.Equal(t, 1, hs.Count("GATE-NEW"))

	// Nothing left to prune at the same instant.
	assert.Zero(t, pruner.PruneOnce(ctx))
}

func TestHeartbeatPruner_StopIsIdempotent(t *testing.T) {
	pruner := service.NewHeartbeatPruner(memory.NewHeartbeatStore(), service.PrunerConfig{
		RetentionDays: 30,
		Interval:      time.Hour,
	}, service.Deps{Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	pruner.Start(ctx)

	cancel()
	// Multiple stops should not panic.
	pruner.Stop()
	pruner.Stop()
}
