package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is a prepaid credit wallet. Balance is the total credits owned;
// Frozen is the portion currently reserved against open reservations.
//
// Invariant: 0 <= Frozen <= Balance. Both fields change only through the
// wallet engine entry points; no other code path writes them.
type Account struct {
	ID        uuid.UUID `json:"id"`
	Balance   int64     `json:"balance"`
	Frozen    int64     `json:"frozen"`
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Spendable returns the credits available for a new reservation.
func (a *Account) Spendable() int64 {
	return a.Balance - a.Frozen
}
