package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/cambista/ledger/internal/ledger"
	"github.com/cambista/ledger/internal/models"
)

var (
	// ErrMatchNotFound is returned when the match id resolves to nothing.
	ErrMatchNotFound = errors.New("match not found")

	// ErrMatchNotPending is returned when the match already reached a
	// terminal status. Releasing twice is impossible by construction.
	ErrMatchNotPending = errors.New("match is not pending")

	// ErrPayerMismatch is returned when the resolved payer is not the
	// match's buyer. May indicate fraud or a mistyped reference.
	ErrPayerMismatch = errors.New("payer does not match buyer")
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WalletRepo is the minimal wallet interface for escrow release.
type WalletRepo interface {
	CreditAndUnlock(ctx context.Context, tx pgx.Tx, userID, currency string, amount decimal.Decimal) error
}

// MatchRepo is the minimal match interface for escrow release.
type MatchRepo interface {
	MatchForUpdate(ctx context.Context, tx pgx.Tx, matchID string) (*models.Match, error)
	CompleteMatch(ctx context.Context, tx pgx.Tx, matchID string) (bool, error)
}

// RecordRepo writes the settled transaction rows and answers whether a
// notification id was recorded before.
type RecordRepo interface {
	InsertTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	ExternalRefExists(ctx context.Context, tx pgx.Tx, ref string) (bool, error)
}

// Settlement is the result of a completed release.
type Settlement struct {
	Match  *models.Match
	BuyTx  *models.Transaction
	SellTx *models.Transaction
}

// Service performs the escrow release protocol: the buyer's fiat payment was
// observed outside the ledger, so the seller's held funds are unlocked and
// credited and the match closes.
type Service struct {
	DB      TxBeginner
	Wallets WalletRepo
	Matches MatchRepo
	Records RecordRepo
}

func NewService(db TxBeginner, wallets WalletRepo, matches MatchRepo, records RecordRepo) *Service {
	return &Service{DB: db, Wallets: wallets, Matches: matches, Records: records}
}

// Release settles the match in one database transaction: lock the match row,
// check it is PENDING and (when payerID is set) that the payer is the buyer,
// credit the seller's balance while unwinding their locked funds, mark the
// match COMPLETED, and record the linked P2P_BUY/P2P_SELL rows.
//
// payerID == "" skips the buyer check; that path belongs to the 24h timeout
// sweep, which has no payer identity to verify. externalRef, when present,
// is the bank notification id and lands on the buyer's row as the
// idempotency key. Redelivering a notification whose id already settled the
// match reports ledger.ErrAlreadyApplied, same as a replayed deposit.
//
// The seller is credited, not the buyer: their fiat proceeds become
// spendable and the sell-side hold placed at order acceptance unwinds. The
// buyer's asset credit is the matching engine's concern.
func (s *Service) Release(ctx context.Context, matchID, payerID string, externalRef *string) (*Settlement, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	m, err := s.Matches.MatchForUpdate(ctx, tx, matchID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("match %q: %w", matchID, ErrMatchNotFound)
	}
	if err != nil {
		return nil, err
	}
	if m.Status != models.MatchStatusPending {
		// A terminal match plus an already-recorded notification id means
		// this delivery is a replay of the release that settled it. Without
		// the distinction a redelivery after a lost dedup mark would retry
		// into ErrMatchNotPending forever.
		if externalRef != nil {
			applied, lookupErr := s.Records.ExternalRefExists(ctx, tx, *externalRef)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if applied {
				return nil, fmt.Errorf("match %q settled by %q: %w", matchID, *externalRef, ledger.ErrAlreadyApplied)
			}
		}
		return nil, fmt.Errorf("match %q is %s: %w", matchID, m.Status, ErrMatchNotPending)
	}
	if payerID != "" && payerID != m.BuyerID {
		return nil, fmt.Errorf("match %q expects buyer %q, got %q: %w", matchID, m.BuyerID, payerID, ErrPayerMismatch)
	}

	if err := s.Wallets.CreditAndUnlock(ctx, tx, m.SellerID, m.Currency, m.Amount); err != nil {
		return nil, err
	}

	completed, err := s.Matches.CompleteMatch(ctx, tx, matchID)
	if err != nil {
		return nil, err
	}
	if !completed {
		return nil, fmt.Errorf("match %q: %w", matchID, ErrMatchNotPending)
	}

	autoReleased := payerID == ""
	buyTx := &models.Transaction{
		ID:          uuid.New(),
		UserID:      m.BuyerID,
		Kind:        models.KindP2PBuy,
		Currency:    m.Currency,
		Amount:      m.Amount,
		Status:      models.StatusCompleted,
		Method:      models.MethodP2P,
		ExternalRef: externalRef,
		Metadata: models.MarshalMetadata(models.TxMetadata{
			MatchID:      m.ID,
			Counterparty: m.SellerID,
			AutoReleased: autoReleased,
		}),
	}
	sellTx := &models.Transaction{
		ID:       uuid.New(),
		UserID:   m.SellerID,
		Kind:     models.KindP2PSell,
		Currency: m.Currency,
		Amount:   m.Amount,
		Status:   models.StatusCompleted,
		Method:   models.MethodP2P,
		Metadata: models.MarshalMetadata(models.TxMetadata{
			MatchID:      m.ID,
			Counterparty: m.BuyerID,
			AutoReleased: autoReleased,
		}),
	}
	if err := s.Records.InsertTransaction(ctx, tx, buyTx); err != nil {
		return nil, err
	}
	if err := s.Records.InsertTransaction(ctx, tx, sellTx); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	m.Status = models.MatchStatusCompleted
	return &Settlement{Match: m, BuyTx: buyTx, SellTx: sellTx}, nil
}
