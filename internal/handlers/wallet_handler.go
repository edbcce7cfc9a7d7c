package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cambista/ledger/internal/ledger"
	"github.com/cambista/ledger/internal/models"
)

// WalletService is the read surface for balances and journal history.
type WalletService interface {
	Wallets(ctx context.Context, userID string) ([]*models.Wallet, error)
	RecentTransactions(ctx context.Context, userID string, limit int) ([]*models.Transaction, error)
	Transaction(ctx context.Context, userID string, id uuid.UUID) (*models.Transaction, error)
}

type WalletHandler struct {
	Ledger WalletService
	Logger *slog.Logger
}

// walletView adds the derived available figure so clients never compute
// balance - locked_balance themselves.
type walletView struct {
	models.Wallet
	Available decimal.Decimal `json:"available"`
}

// --- GET /v1/users/{user_id}/wallets ---

func (h *WalletHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}

	wallets, err := h.Ledger.Wallets(r.Context(), userID)
	if err != nil {
		h.Logger.Error("list wallets", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	views := make([]walletView, 0, len(wallets))
	for _, wal := range wallets {
		views = append(views, walletView{Wallet: *wal, Available: wal.Available()})
	}
	writeJSON(w, http.StatusOK, views)
}

// --- GET /v1/users/{user_id}/transactions ---

func (h *WalletHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, `{"error":"limit must be an integer"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	rows, err := h.Ledger.RecentTransactions(r.Context(), userID, limit)
	if err != nil {
		h.Logger.Error("list transactions", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- GET /v1/users/{user_id}/transactions/{transaction_id} ---

func (h *WalletHandler) TransactionByID(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(r.PathValue("transaction_id"))
	if err != nil {
		http.Error(w, `{"error":"transaction_id must be a UUID"}`, http.StatusBadRequest)
		return
	}

	row, err := h.Ledger.Transaction(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			http.Error(w, `{"error":"transaction not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get transaction", "user_id", userID, "transaction_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, row)
}
