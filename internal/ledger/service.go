package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/cambista/ledger/internal/models"
)

const depositInstructionsTTL = 24 * time.Hour

// Store is the repository surface the service drives. *Repository implements
// it against PostgreSQL; tests substitute an in-memory fake.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	UserExists(ctx context.Context, tx pgx.Tx, userID string) (bool, error)
	CreditBalance(ctx context.Context, tx pgx.Tx, userID, currency string, amount decimal.Decimal) error
	ReserveFunds(ctx context.Context, tx pgx.Tx, userID, currency string, amount decimal.Decimal) error
	InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	CompleteTransaction(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	InsertBankAccount(ctx context.Context, a *models.BankAccount) error
	WalletsByUser(ctx context.Context, userID string) ([]*models.Wallet, error)
	PendingDeposits(ctx context.Context, userID string) ([]*models.Transaction, error)
	RecentTransactions(ctx context.Context, userID string, limit int) ([]*models.Transaction, error)
	TransactionByUser(ctx context.Context, userID string, id uuid.UUID) (*models.Transaction, error)
}

// DepositNotice carries one reconciled bank payment into the ledger.
type DepositNotice struct {
	UserID      string
	Currency    string
	Amount      decimal.Decimal
	ExternalRef string
	Meta        models.TxMetadata
}

// WithdrawalRequest is the request-path input for reserving a payout.
type WithdrawalRequest struct {
	UserID      string
	Currency    string
	Amount      decimal.Decimal
	Destination models.WithdrawalDestination
}

// DepositInstructions tells a user how to wire money in. Reference is the
// string the user must put in the transfer memo; the resolver parses it back
// out of the bank notification later.
type DepositInstructions struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	BankName      string    `json:"bank_name"`
	AccountNumber string    `json:"account_number"`
	AccountHolder string    `json:"account_holder"`
	Reference     string    `json:"reference"`
	Instructions  string    `json:"instructions_text"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// CollectionAccount is the platform account users transfer deposits into.
type CollectionAccount struct {
	BankName      string
	AccountNumber string
	AccountHolder string
}

type Service interface {
	SettleDeposit(ctx context.Context, in DepositNotice) (*models.Transaction, error)
	CreateDepositIntent(ctx context.Context, userID, currency string, amount decimal.Decimal) (*DepositInstructions, error)
	ReserveWithdrawal(ctx context.Context, in WithdrawalRequest) (*models.Transaction, error)
	RegisterBankAccount(ctx context.Context, a *models.BankAccount) error
	Wallets(ctx context.Context, userID string) ([]*models.Wallet, error)
	PendingDeposits(ctx context.Context, userID string) ([]*models.Transaction, error)
	RecentTransactions(ctx context.Context, userID string, limit int) ([]*models.Transaction, error)
	Transaction(ctx context.Context, userID string, id uuid.UUID) (*models.Transaction, error)
}

type service struct {
	repo       Store
	collection CollectionAccount
	now        func() time.Time
}

func NewService(repo Store, collection CollectionAccount) Service {
	return &service{repo: repo, collection: collection, now: time.Now}
}

var _ Service = (*service)(nil)

// SettleDeposit applies one externally-confirmed bank deposit in a single
// database transaction: verify the user, insert the PENDING row carrying the
// notification id as external_ref, credit the wallet, mark COMPLETED. A
// replayed external_ref surfaces as ErrAlreadyApplied before any wallet
// mutation is committed.
func (s *service) SettleDeposit(ctx context.Context, in DepositNotice) (*models.Transaction, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	exists, err := s.repo.UserExists(ctx, tx, in.UserID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("settle deposit for %q: %w", in.UserID, ErrUserNotFound)
	}

	ref := in.ExternalRef
	row := &models.Transaction{
		ID:          uuid.New(),
		UserID:      in.UserID,
		Kind:        models.KindDeposit,
		Currency:    in.Currency,
		Amount:      in.Amount,
		Status:      models.StatusPending,
		Method:      models.MethodBank,
		ExternalRef: &ref,
		Metadata:    models.MarshalMetadata(in.Meta),
	}
	if err := s.repo.InsertTransaction(ctx, tx, row); err != nil {
		return nil, err
	}
	if err := s.repo.CreditBalance(ctx, tx, in.UserID, in.Currency, in.Amount); err != nil {
		return nil, err
	}
	if err := s.repo.CompleteTransaction(ctx, tx, row.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	row.Status = models.StatusCompleted
	return row, nil
}

// CreateDepositIntent records a PENDING deposit and returns wire-in
// instructions. The row is never completed directly: the reconciler inserts
// its own row when the money shows up, and the stale sweep fails this one
// after an hour.
func (s *service) CreateDepositIntent(ctx context.Context, userID, currency string, amount decimal.Decimal) (*DepositInstructions, error) {
	now := s.now()
	reference := fmt.Sprintf("DEPOSIT-%s-%d", userID, now.Unix())
	expiresAt := now.Add(depositInstructionsTTL)
	instructions := fmt.Sprintf(
		"Transfer %s %s to %s account %s (%s) and include the reference %s in the transfer memo.",
		amount.String(), currency,
		s.collection.BankName, s.collection.AccountNumber, s.collection.AccountHolder,
		reference,
	)

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	exists, err := s.repo.UserExists(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("deposit intent for %q: %w", userID, ErrUserNotFound)
	}

	row := &models.Transaction{
		ID:       uuid.New(),
		UserID:   userID,
		Kind:     models.KindDeposit,
		Currency: currency,
		Amount:   amount,
		Status:   models.StatusPending,
		Method:   models.MethodBank,
		Metadata: models.MarshalMetadata(models.TxMetadata{
			Reference:    reference,
			Instructions: instructions,
			ExpiresAt:    &expiresAt,
		}),
	}
	if err := s.repo.InsertTransaction(ctx, tx, row); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &DepositInstructions{
		TransactionID: row.ID,
		BankName:      s.collection.BankName,
		AccountNumber: s.collection.AccountNumber,
		AccountHolder: s.collection.AccountHolder,
		Reference:     reference,
		Instructions:  instructions,
		ExpiresAt:     expiresAt,
	}, nil
}

// ReserveWithdrawal moves the amount from balance into locked_balance and
// records the PENDING payout, atomically. ErrInsufficientFunds when the
// balance does not cover the amount.
func (s *service) ReserveWithdrawal(ctx context.Context, in WithdrawalRequest) (*models.Transaction, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.repo.ReserveFunds(ctx, tx, in.UserID, in.Currency, in.Amount); err != nil {
		return nil, err
	}

	dest := in.Destination
	row := &models.Transaction{
		ID:       uuid.New(),
		UserID:   in.UserID,
		Kind:     models.KindWithdrawal,
		Currency: in.Currency,
		Amount:   in.Amount,
		Status:   models.StatusPending,
		Method:   models.MethodBank,
		Metadata: models.MarshalMetadata(models.TxMetadata{Destination: &dest}),
	}
	if err := s.repo.InsertTransaction(ctx, tx, row); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *service) RegisterBankAccount(ctx context.Context, a *models.BankAccount) error {
	return s.repo.InsertBankAccount(ctx, a)
}

func (s *service) Wallets(ctx context.Context, userID string) ([]*models.Wallet, error) {
	return s.repo.WalletsByUser(ctx, userID)
}

func (s *service) PendingDeposits(ctx context.Context, userID string) ([]*models.Transaction, error) {
	return s.repo.PendingDeposits(ctx, userID)
}

func (s *service) RecentTransactions(ctx context.Context, userID string, limit int) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.RecentTransactions(ctx, userID, limit)
}

func (s *service) Transaction(ctx context.Context, userID string, id uuid.UUID) (*models.Transaction, error) {
	return s.repo.TransactionByUser(ctx, userID, id)
}
