package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cambista/ledger/internal/ledger"
	"github.com/cambista/ledger/internal/models"
)

// WithdrawalService is the ledger surface the withdrawal endpoint needs.
type WithdrawalService interface {
	ReserveWithdrawal(ctx context.Context, in ledger.WithdrawalRequest) (*models.Transaction, error)
}

// WithdrawalHandler serves the request-path withdrawal: reserve the funds
// atomically and record the PENDING payout for the downstream processor.
type WithdrawalHandler struct {
	Ledger WithdrawalService
	Logger *slog.Logger
}

// --- POST /v1/withdrawals ---

type createWithdrawalRequest struct {
	UserID      string                       `json:"user_id"`
	Currency    string                       `json:"currency"`
	Amount      decimal.Decimal              `json:"amount"`
	Destination models.WithdrawalDestination `json:"destination"`
}

func (h *WithdrawalHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.UserID == "" {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}
	if req.Currency == "" {
		http.Error(w, `{"error":"currency is required"}`, http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		http.Error(w, `{"error":"amount must be > 0"}`, http.StatusBadRequest)
		return
	}
	if req.Destination.AccountNumber == "" {
		http.Error(w, `{"error":"destination.account_number is required"}`, http.StatusBadRequest)
		return
	}

	row, err := h.Ledger.ReserveWithdrawal(r.Context(), ledger.WithdrawalRequest{
		UserID:      req.UserID,
		Currency:    req.Currency,
		Amount:      req.Amount,
		Destination: req.Destination,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			http.Error(w, `{"error":"insufficient funds"}`, http.StatusPaymentRequired)
			return
		}
		h.Logger.Error("reserve withdrawal", "user_id", req.UserID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}
