package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cambista/ledger/internal/ledger"
	"github.com/cambista/ledger/internal/models"
)

// BankAccountService registers sender accounts for reference-less matching.
type BankAccountService interface {
	RegisterBankAccount(ctx context.Context, acct *models.BankAccount) error
}

type BankAccountHandler struct {
	Ledger BankAccountService
	Logger *slog.Logger
}

// --- POST /v1/bank-accounts ---

type registerBankAccountRequest struct {
	UserID        string `json:"user_id"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
}

func (h *BankAccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerBankAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.AccountNumber = strings.TrimSpace(req.AccountNumber)
	if req.UserID == "" {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}
	if req.AccountNumber == "" {
		http.Error(w, `{"error":"account_number is required"}`, http.StatusBadRequest)
		return
	}

	acct := &models.BankAccount{
		UserID:        req.UserID,
		AccountNumber: req.AccountNumber,
		BankName:      strings.TrimSpace(req.BankName),
	}
	if err := h.Ledger.RegisterBankAccount(r.Context(), acct); err != nil {
		switch {
		case errors.Is(err, ledger.ErrDuplicateAccount):
			http.Error(w, `{"error":"account number already registered"}`, http.StatusConflict)
		case errors.Is(err, ledger.ErrUserNotFound):
			http.Error(w, `{"error":"user not found"}`, http.StatusNotFound)
		default:
			h.Logger.Error("register bank account", "user_id", req.UserID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}
