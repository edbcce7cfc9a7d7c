package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cambista/ledger/internal/escrow"
	"github.com/cambista/ledger/internal/models"
)

// Timeout thresholds. The inspection age only selects candidates for
// logging; the fail age is the one that changes state.
const (
	pendingInspectAge = 5 * time.Minute
	pendingFailAge    = time.Hour
	escrowReleaseAge  = 24 * time.Hour
)

// Store is the ledger surface the sweepers read and mutate.
type Store interface {
	ListStalePending(ctx context.Context, olderThan time.Time) ([]*models.Transaction, error)
	FailExpiredPending(ctx context.Context, cutoff time.Time) ([]*models.Transaction, error)
	ListStuckMatches(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Releaser force-settles a stuck match.
type Releaser interface {
	Release(ctx context.Context, matchID, payerID string, externalRef *string) (*escrow.Settlement, error)
}

// EventSink publishes completed-transaction events. Best-effort.
type EventSink interface {
	TransactionCompleted(ctx context.Context, t *models.Transaction) error
}

// Sweeper enforces the two ledger timeouts: PENDING BANK transactions die
// after an hour, and matches stuck PENDING past a day are force-released to
// the seller.
type Sweeper struct {
	Store  Store
	Escrow Releaser
	Events EventSink
	Logger *slog.Logger

	now func() time.Time
}

func New(store Store, releaser Releaser, events EventSink, logger *slog.Logger) *Sweeper {
	return &Sweeper{Store: store, Escrow: releaser, Events: events, Logger: logger, now: time.Now}
}

// FailStalePending logs PENDING BANK transactions past the inspection age
// and fails the ones past the fail age. No funds move here: deposit intents
// never held any, and a withdrawal reservation stuck this long is an
// operator problem, not something to unwind silently.
func (s *Sweeper) FailStalePending(ctx context.Context) error {
	now := s.now()

	stale, err := s.Store.ListStalePending(ctx, now.Add(-pendingInspectAge))
	if err != nil {
		return fmt.Errorf("list stale pending: %w", err)
	}
	for _, t := range stale {
		s.Logger.Warn("bank transaction pending past inspection age",
			"transaction_id", t.ID, "user_id", t.UserID, "kind", t.Kind,
			"amount", t.Amount.String(), "currency", t.Currency,
			"age", now.Sub(t.CreatedAt).Round(time.Second).String())
	}

	failed, err := s.Store.FailExpiredPending(ctx, now.Add(-pendingFailAge))
	if err != nil {
		return fmt.Errorf("fail expired pending: %w", err)
	}
	for _, t := range failed {
		s.Logger.Info("expired bank transaction failed",
			"transaction_id", t.ID, "user_id", t.UserID, "kind", t.Kind,
			"amount", t.Amount.String(), "currency", t.Currency)
	}
	return nil
}

// ReleaseStuckEscrow force-releases matches PENDING for longer than the
// escrow age. The buyer never produced a parseable payment notification, so
// there is no payer identity to check; the empty payer id takes the
// bypass path through the release protocol. Matches are independent; one
// failure never blocks the rest.
func (s *Sweeper) ReleaseStuckEscrow(ctx context.Context) error {
	cutoff := s.now().Add(-escrowReleaseAge)

	ids, err := s.Store.ListStuckMatches(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stuck matches: %w", err)
	}
	for _, id := range ids {
		settlement, err := s.Escrow.Release(ctx, id, "", nil)
		if err != nil {
			s.Logger.Error("forced escrow release failed", "match_id", id, "error", err)
			continue
		}
		s.Logger.Warn("match released by timeout, buyer payment never reconciled",
			"match_id", id, "seller_id", settlement.Match.SellerID,
			"amount", settlement.Match.Amount.String(), "currency", settlement.Match.Currency)
		s.publish(ctx, settlement.BuyTx, settlement.SellTx)
	}
	return nil
}

func (s *Sweeper) publish(ctx context.Context, rows ...*models.Transaction) {
	if s.Events == nil {
		return
	}
	for _, t := range rows {
		if err := s.Events.TransactionCompleted(ctx, t); err != nil {
			s.Logger.Warn("publish transaction event failed", "transaction_id", t.ID, "error", err)
		}
	}
}
