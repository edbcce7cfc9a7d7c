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

// DepositService is the ledger surface the deposit endpoints need.
type DepositService interface {
	CreateDepositIntent(ctx context.Context, userID, currency string, amount decimal.Decimal) (*ledger.DepositInstructions, error)
	PendingDeposits(ctx context.Context, userID string) ([]*models.Transaction, error)
}

// DepositHandler serves deposit instructions and the pending-deposits query.
type DepositHandler struct {
	Ledger DepositService
	Logger *slog.Logger
}

// --- POST /v1/deposits ---

type createDepositRequest struct {
	UserID   string          `json:"user_id"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// Create returns wire-in instructions and records the PENDING intent. The
// reference in the response is the contract the reconciler parses back out
// of the bank notification.
func (h *DepositHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDepositRequest
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

	instructions, err := h.Ledger.CreateDepositIntent(r.Context(), req.UserID, req.Currency, req.Amount)
	if err != nil {
		if errors.Is(err, ledger.ErrUserNotFound) {
			http.Error(w, `{"error":"user not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("create deposit intent", "user_id", req.UserID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, instructions)
}

// --- GET /v1/users/{user_id}/deposits/pending ---

func (h *DepositHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}

	rows, err := h.Ledger.PendingDeposits(r.Context(), userID)
	if err != nil {
		h.Logger.Error("list pending deposits", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, rows)
}
