package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cambista/ledger/internal/models"
)

var (
	// ErrInsufficientFunds is returned when a reservation would take the
	// wallet balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAlreadyApplied is returned when a transaction with the same
	// external_ref was committed before. Callers treat it as a completed
	// replay, not a failure.
	ErrAlreadyApplied = errors.New("external ref already applied")

	// ErrDuplicateAccount is returned when a bank account number is already
	// registered to a user.
	ErrDuplicateAccount = errors.New("bank account already registered")

	// ErrUserNotFound is returned for operations referencing an unknown user.
	ErrUserNotFound = errors.New("user not found")

	// ErrTransactionNotFound is returned when a journal lookup matches nothing
	// for the requesting user.
	ErrTransactionNotFound = errors.New("transaction not found")
)

const txColumns = `id, user_id, kind, currency, amount::text, status, method, external_ref, metadata, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// Begin starts a database transaction on the underlying pool.
func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// --- users ---

func (r *Repository) UserExists(ctx context.Context, tx pgx.Tx, userID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	return exists, err
}

// --- wallets ---

// CreditBalance upserts the wallet and adds amount to its balance. Deposits
// are unconditional credits; no locking is involved.
func (r *Repository) CreditBalance(ctx context.Context, tx pgx.Tx, userID, currency string, amount decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (user_id, currency, balance)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (user_id, currency)
		DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = now()
	`, userID, currency, amount.String())
	return err
}

// CreditAndUnlock adds amount to the wallet balance and releases the same
// amount from locked_balance, floored at zero. Used by escrow release where
// the sell-side hold was placed earlier by the matching engine.
func (r *Repository) CreditAndUnlock(ctx context.Context, tx pgx.Tx, userID, currency string, amount decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (user_id, currency, balance, locked_balance)
		VALUES ($1, $2, $3::numeric, 0)
		ON CONFLICT (user_id, currency)
		DO UPDATE SET balance = wallets.balance + EXCLUDED.balance,
		              locked_balance = GREATEST(wallets.locked_balance - EXCLUDED.balance, 0),
		              updated_at = now()
	`, userID, currency, amount.String())
	return err
}

// ReserveFunds moves amount from balance into locked_balance in a single
// conditional UPDATE. Zero rows affected means the balance was too low (or
// the wallet does not exist), reported as ErrInsufficientFunds.
func (r *Repository) ReserveFunds(ctx context.Context, tx pgx.Tx, userID, currency string, amount decimal.Decimal) error {
	result, err := tx.Exec(ctx, `
		UPDATE wallets
		SET balance = balance - $3::numeric, locked_balance = locked_balance + $3::numeric, updated_at = now()
		WHERE user_id = $1 AND currency = $2 AND balance >= $3::numeric
	`, userID, currency, amount.String())
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (r *Repository) WalletsByUser(ctx context.Context, userID string) ([]*models.Wallet, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, currency, balance::text, locked_balance::text, created_at, updated_at
		FROM wallets
		WHERE user_id = $1
		ORDER BY currency
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []*models.Wallet
	for rows.Next() {
		var w models.Wallet
		var balance, locked string
		if err := rows.Scan(&w.ID, &w.UserID, &w.Currency, &balance, &locked, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		if w.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		if w.LockedBalance, err = decimal.NewFromString(locked); err != nil {
			return nil, fmt.Errorf("parse locked_balance: %w", err)
		}
		wallets = append(wallets, &w)
	}
	return wallets, rows.Err()
}

// --- transactions ---

// InsertTransaction writes a new transaction row inside the caller's
// database transaction. A unique violation on external_ref maps to
// ErrAlreadyApplied.
func (r *Repository) InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO transactions (id, user_id, kind, currency, amount, status, method, external_ref, metadata)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, COALESCE($9, '{}'::jsonb))
		RETURNING created_at, updated_at
	`, t.ID, t.UserID, t.Kind, t.Currency, t.Amount.String(), t.Status, t.Method, t.ExternalRef, t.Metadata).
		Scan(&t.CreatedAt, &t.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyApplied
	}
	if isForeignKeyViolation(err) {
		return ErrUserNotFound
	}
	return err
}

// ExternalRefExists reports whether any transaction row already carries ref.
// Escrow release uses it to tell a redelivered notification apart from a
// genuinely conflicting release attempt once the match left PENDING.
func (r *Repository) ExternalRefExists(ctx context.Context, tx pgx.Tx, ref string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE external_ref = $1)`, ref).Scan(&exists)
	return exists, err
}

// CompleteTransaction flips a PENDING row to COMPLETED.
func (r *Repository) CompleteTransaction(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	result, err := tx.Exec(ctx, `
		UPDATE transactions SET status = 'COMPLETED', updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s is not pending", id)
	}
	return nil
}

func (r *Repository) PendingDeposits(ctx context.Context, userID string) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE user_id = $1 AND kind = 'DEPOSIT' AND status = 'PENDING'
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

// TransactionByUser returns one journal row, scoped to its owner so users can
// never read each other's rows.
func (r *Repository) TransactionByUser(ctx context.Context, userID string, id uuid.UUID) (*models.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE id = $1 AND user_id = $2
	`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (r *Repository) RecentTransactions(ctx context.Context, userID string, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

// ListStalePending returns PENDING BANK-method rows created before olderThan.
// Read-only; used by the sweeper's inspection pass.
func (r *Repository) ListStalePending(ctx context.Context, olderThan time.Time) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE status = 'PENDING' AND method = 'BANK' AND created_at < $1
		ORDER BY created_at
	`, olderThan)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

// FailExpiredPending transitions PENDING BANK-method rows created before
// cutoff to FAILED and returns the affected rows.
func (r *Repository) FailExpiredPending(ctx context.Context, cutoff time.Time) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE transactions SET status = 'FAILED', updated_at = now()
		WHERE status = 'PENDING' AND method = 'BANK' AND created_at < $1
		RETURNING `+txColumns+`
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

// --- p2p matches ---

// MatchForUpdate row-locks the match and joins buyer, seller and trade
// currency from the linked orders. Returns pgx.ErrNoRows when absent.
func (r *Repository) MatchForUpdate(ctx context.Context, tx pgx.Tx, matchID string) (*models.Match, error) {
	var m models.Match
	var amount string
	err := tx.QueryRow(ctx, `
		SELECT m.id, m.buy_order_id, m.sell_order_id, b.user_id, s.user_id, s.currency,
		       m.amount::text, m.status, m.created_at, m.completed_at
		FROM p2p_matches m
		JOIN p2p_orders b ON b.id = m.buy_order_id
		JOIN p2p_orders s ON s.id = m.sell_order_id
		WHERE m.id = $1
		FOR UPDATE OF m
	`, matchID).Scan(&m.ID, &m.BuyOrderID, &m.SellOrderID, &m.BuyerID, &m.SellerID, &m.Currency,
		&amount, &m.Status, &m.CreatedAt, &m.CompletedAt)
	if err != nil {
		return nil, err
	}
	if m.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse match amount: %w", err)
	}
	return &m, nil
}

// CompleteMatch transitions the match to COMPLETED. Returns false when the
// row was no longer PENDING.
func (r *Repository) CompleteMatch(ctx context.Context, tx pgx.Tx, matchID string) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE p2p_matches SET status = 'COMPLETED', completed_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`, matchID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// ListStuckMatches returns ids of matches still PENDING since before cutoff.
func (r *Repository) ListStuckMatches(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM p2p_matches
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- bank accounts ---

// UserIDByBankAccount returns the user owning the registered account number,
// or "" when no mapping exists.
func (r *Repository) UserIDByBankAccount(ctx context.Context, accountNumber string) (string, error) {
	var userID string
	err := r.pool.QueryRow(ctx, `
		SELECT user_id FROM user_bank_accounts WHERE account_number = $1
	`, accountNumber).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (r *Repository) InsertBankAccount(ctx context.Context, a *models.BankAccount) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO user_bank_accounts (account_number, user_id, bank_name)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, a.AccountNumber, a.UserID, a.BankName).Scan(&a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateAccount
	}
	if isForeignKeyViolation(err) {
		return ErrUserNotFound
	}
	return err
}

// --- helpers ---

func scanTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	var amount string
	err := row.Scan(&t.ID, &t.UserID, &t.Kind, &t.Currency, &amount, &t.Status, &t.Method,
		&t.ExternalRef, &t.Metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
