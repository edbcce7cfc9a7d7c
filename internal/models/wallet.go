package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet holds one user's funds in one currency. Balance is the total owned;
// LockedBalance is the subset of it reserved by an in-flight operation
// (withdrawal request or a P2P sell-side hold placed by the matching engine).
// Wallets are created lazily on first credit and never deleted.
type Wallet struct {
	ID            uuid.UUID       `json:"id"`
	UserID        string          `json:"user_id"`
	Currency      string          `json:"currency"`
	Balance       decimal.Decimal `json:"balance"`
	LockedBalance decimal.Decimal `json:"locked_balance"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Available is the balance minus the locked portion, as shown to users.
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.LockedBalance)
}
