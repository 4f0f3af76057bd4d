package service

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Tapledger/server/internal/metrics"
)

// Clock abstracts time so pacing and timeouts are deterministic in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock reads the system clock in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// IDGenerator produces event ids.
type IDGenerator interface {
	New() string
}

type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.NewString() }

// Deps carries the collaborators shared by every service.  Zero fields are
// filled with production defaults.
type Deps struct {
	Clock   Clock
	IDs     IDGenerator
	Alerts  *AlertLog
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = RealClock{}
	}
	if d.IDs == nil {
		d.IDs = UUIDGenerator{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}
