package service

import (
	"context"
	"strings"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
)

// Roster decides which card ids a tap may be attributed to.  With
// AllowAll every non-empty card id is accepted, which is only meant for
// development.
type Roster struct {
	store    store.RosterStore
	allowAll bool
	clock    Clock
}

func NewRoster(st store.RosterStore, allowAll bool, deps Deps) *Roster {
	deps = deps.withDefaults()
	return &Roster{store: st, allowAll: allowAll, clock: deps.Clock}
}

func (r *Roster) IsKnown(ctx context.Context, cardID string) (bool, error) {
	cardID = strings.TrimSpace(cardID)
	if cardID == "" {
		return false, nil
	}
	if r.allowAll {
		return true, nil
	}
	return r.store.IsActive(ctx, cardID)
}

func (r *Roster) Enroll(ctx context.Context, cardID, displayName string) error {
	cardID = strings.TrimSpace(cardID)
	if cardID == "" {
		return invalid("card_id", "required")
	}
	return r.store.Upsert(ctx, store.EmployeeRecord{
		CardID:      cardID,
		DisplayName: strings.TrimSpace(displayName),
		Active:      true,
		UpdatedAt:   r.clock.Now(),
	})
}

func (r *Roster) Remove(ctx context.Context, cardID string) error {
	cardID = strings.TrimSpace(cardID)
	if err := r.store.Deactivate(ctx, cardID); err != nil {
		return notFound("card "+cardID, err)
	}
	return nil
}
