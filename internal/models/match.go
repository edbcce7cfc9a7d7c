package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	MatchStatusPending   = "PENDING"
	MatchStatusCompleted = "COMPLETED"
	MatchStatusCancelled = "CANCELLED"
)

// Match is a paired buy/sell order created by the matching engine. This
// service only reads matches and transitions them PENDING -> COMPLETED when
// the buyer's fiat payment is reconciled (or the 24h timeout fires).
// BuyerID, SellerID and Currency are joined from the linked orders; the trade
// currency is the sell order's currency.
type Match struct {
	ID          string          `json:"id"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
