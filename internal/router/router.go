package router

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/cambista/ledger/internal/handlers"
	"github.com/cambista/ledger/internal/middleware"
)

// Pinger reports database liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New returns the full HTTP handler: unauthenticated health endpoint,
// service-token-guarded /v1 API, CORS around everything. An empty
// serviceToken disables auth so local development works without setup.
func New(
	deposits *handlers.DepositHandler,
	withdrawals *handlers.WithdrawalHandler,
	wallets *handlers.WalletHandler,
	accounts *handlers.BankAccountHandler,
	db Pinger,
	serviceToken string,
	corsOrigins []string,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			http.Error(w, `{"status":"degraded"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	auth := func(next http.Handler) http.Handler { return next }
	if serviceToken != "" {
		auth = middleware.ServiceToken(serviceToken)
	}

	mux.Handle("POST /v1/deposits", auth(http.HandlerFunc(deposits.Create)))
	mux.Handle("GET /v1/users/{user_id}/deposits/pending", auth(http.HandlerFunc(deposits.ListPending)))
	mux.Handle("POST /v1/withdrawals", auth(http.HandlerFunc(withdrawals.Create)))
	mux.Handle("GET /v1/users/{user_id}/wallets", auth(http.HandlerFunc(wallets.List)))
	mux.Handle("GET /v1/users/{user_id}/transactions", auth(http.HandlerFunc(wallets.Transactions)))
	mux.Handle("GET /v1/users/{user_id}/transactions/{transaction_id}", auth(http.HandlerFunc(wallets.TransactionByID)))
	mux.Handle("POST /v1/bank-accounts", auth(http.HandlerFunc(accounts.Register)))

	return cors.New(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux)
}
