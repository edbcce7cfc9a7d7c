package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction kind, status and method enums.
const (
	KindDeposit     = "DEPOSIT"
	KindWithdrawal  = "WITHDRAWAL"
	KindTransferIn  = "TRANSFER_IN"
	KindTransferOut = "TRANSFER_OUT"
	KindP2PBuy      = "P2P_BUY"
	KindP2PSell     = "P2P_SELL"
	KindFee         = "FEE"

	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusCancelled  = "CANCELLED"

	MethodBank = "BANK"
	MethodQR   = "QR"
	MethodP2P  = "P2P"
)

// Transaction is one money movement. Amount is always a positive magnitude;
// direction is implied by Kind. Rows never leave a terminal status.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	UserID      string          `json:"user_id"`
	Kind        string          `json:"kind"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	Method      string          `json:"method"`
	ExternalRef *string         `json:"external_ref,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TxMetadata is the structured payload stored in Transaction.Metadata.
// Only the fields relevant to the row's kind are set.
type TxMetadata struct {
	Reference     string                 `json:"reference,omitempty"`
	SenderName    string                 `json:"sender_name,omitempty"`
	SenderAccount string                 `json:"sender_account,omitempty"`
	BankName      string                 `json:"bank_name,omitempty"`
	MatchID       string                 `json:"match_id,omitempty"`
	Counterparty  string                 `json:"counterparty,omitempty"`
	AutoReleased  bool                   `json:"auto_released,omitempty"`
	Instructions  string                 `json:"instructions,omitempty"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	Destination   *WithdrawalDestination `json:"destination,omitempty"`
}

// WithdrawalDestination is the payout target recorded on WITHDRAWAL rows.
type WithdrawalDestination struct {
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	AccountHolder string `json:"account_holder"`
}

// MarshalMetadata encodes m for storage. A zero-value metadata still encodes
// to a valid JSON object.
func MarshalMetadata(m TxMetadata) json.RawMessage {
	b, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
