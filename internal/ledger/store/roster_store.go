package store

import (
	"context"
	"time"
)

type EmployeeRecord struct {
	CardID      string
	DisplayName string
	Active      bool
	UpdatedAt   time.Time
}

// RosterStore holds the cards a tap may be attributed to.
type RosterStore interface {
	IsActive(ctx context.Context, cardID string) (bool, error)
	Upsert(ctx context.Context, rec EmployeeRecord) error
	Deactivate(ctx context.Context, cardID string) error // ErrNotFound if unknown
}
