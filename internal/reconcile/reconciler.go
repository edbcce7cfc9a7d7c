package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cambista/ledger/internal/bankfeed"
	"github.com/cambista/ledger/internal/dedup"
	"github.com/cambista/ledger/internal/escrow"
	"github.com/cambista/ledger/internal/ledger"
	"github.com/cambista/ledger/internal/models"
)

// Feed is the notification source: fetch a batch, acknowledge consumed ids.
type Feed interface {
	Fetch(ctx context.Context) (*bankfeed.Batch, error)
	Acknowledge(ctx context.Context, id string) error
}

// Cache is the processed-notification store.
type Cache interface {
	Status(ctx context.Context, id string) (dedup.Status, error)
	MarkApplied(ctx context.Context, id string) error
	MarkUnparseable(ctx context.Context, id string) error
}

// DepositSettler applies a reconciled deposit to the ledger.
type DepositSettler interface {
	SettleDeposit(ctx context.Context, in ledger.DepositNotice) (*models.Transaction, error)
}

// EscrowReleaser settles a P2P match whose buyer payment was observed.
type EscrowReleaser interface {
	Release(ctx context.Context, matchID, payerID string, externalRef *string) (*escrow.Settlement, error)
}

// EventSink publishes completed-transaction events. Best-effort.
type EventSink interface {
	TransactionCompleted(ctx context.Context, t *models.Transaction) error
}

// Reconciler drives the per-tick pipeline: fetch, dedup, resolve, apply in
// one ledger transaction, mark seen, acknowledge. Notifications in a batch
// are independent; one failure never blocks the rest.
type Reconciler struct {
	Feed     Feed
	Cache    Cache
	Resolver *Resolver
	Deposits DepositSettler
	Escrow   EscrowReleaser
	Events   EventSink
	Logger   *slog.Logger
}

// RunOnce executes one reconciliation tick. Only a failed fetch is returned
// as an error; per-notification failures are logged and retried on a later
// tick.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	batch, err := r.Feed.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch notifications: %w", err)
	}

	for _, m := range batch.Malformed {
		if m.ID == "" {
			r.Logger.Error("dropping malformed notification without id", "error", m.Err)
			continue
		}
		if err := r.Cache.MarkUnparseable(ctx, m.ID); err != nil {
			r.Logger.Warn("mark malformed notification failed", "notification_id", m.ID, "error", err)
			continue
		}
		r.Logger.Warn("notification violates provider contract, giving up",
			"notification_id", m.ID, "error", m.Err)
	}

	for _, n := range batch.Notifications {
		if err := r.process(ctx, n); err != nil {
			r.Logger.Warn("notification left for retry",
				"notification_id", n.ID, "reference", n.Reference, "error", err)
		}
	}
	return nil
}

// process runs the pipeline for one notification. A nil return means the
// notification is finished (applied, replayed, or given up on); an error
// means it stays unacknowledged and will be re-seen.
func (r *Reconciler) process(ctx context.Context, n bankfeed.Notification) error {
	status, err := r.Cache.Status(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if status != dedup.StatusUnseen {
		return nil
	}

	parsed, err := r.Resolver.Resolve(ctx, n)
	if errors.Is(err, ErrUnresolvable) {
		return r.giveUp(ctx, n, err)
	}
	if err != nil {
		return fmt.Errorf("resolve reference: %w", err)
	}

	amount, err := n.DecimalAmount()
	if err != nil {
		return r.giveUp(ctx, n, fmt.Errorf("bad amount %q: %w", n.Amount, err))
	}
	// The provider contract checks the amount's form, not its value: "0.00"
	// parses fine, but the ledger only records positive amounts.
	if !amount.IsPositive() {
		return r.giveUp(ctx, n, fmt.Errorf("non-positive amount %q", n.Amount))
	}

	var settled []*models.Transaction
	switch parsed.Effect {
	case EffectP2PPayment:
		ref := n.ID
		settlement, err := r.Escrow.Release(ctx, parsed.MatchID, parsed.UserID, &ref)
		if err != nil {
			return r.finishOrFail(ctx, n, err)
		}
		settled = []*models.Transaction{settlement.BuyTx, settlement.SellTx}
	case EffectDeposit:
		// Same normalization the API boundary applies; a lower-case feed
		// currency must not open a second wallet next to the real one.
		row, err := r.Deposits.SettleDeposit(ctx, ledger.DepositNotice{
			UserID:      parsed.UserID,
			Currency:    strings.ToUpper(strings.TrimSpace(n.Currency)),
			Amount:      amount,
			ExternalRef: n.ID,
			Meta: models.TxMetadata{
				Reference:     n.Reference,
				SenderName:    n.SenderName,
				SenderAccount: n.SenderAccount,
				BankName:      n.BankName,
			},
		})
		if err != nil {
			return r.finishOrFail(ctx, n, err)
		}
		settled = []*models.Transaction{row}
	default:
		return fmt.Errorf("unknown effect %q", parsed.Effect)
	}

	r.publish(ctx, settled)
	r.finish(ctx, n.ID)
	r.Logger.Info("notification reconciled",
		"notification_id", n.ID, "effect", string(parsed.Effect),
		"user_id", parsed.UserID, "amount", n.Amount, "currency", n.Currency)
	return nil
}

// giveUp permanently parks a notification the ledger can never apply. The
// money stays unmatched, so the log line carries everything an operator
// needs to chase it manually. Not acknowledged: the cache is what stops the
// retry storm, and the unconsumed row stays visible upstream.
func (r *Reconciler) giveUp(ctx context.Context, n bankfeed.Notification, cause error) error {
	if err := r.Cache.MarkUnparseable(ctx, n.ID); err != nil {
		return fmt.Errorf("mark unparseable: %w", err)
	}
	r.Logger.Warn("giving up on notification, money left unmatched",
		"notification_id", n.ID, "reference", n.Reference,
		"amount", n.Amount, "currency", n.Currency,
		"sender_name", n.SenderName, "sender_account", n.SenderAccount,
		"bank_name", n.BankName, "error", cause)
	return nil
}

// finishOrFail handles apply errors. A replayed external_ref means the
// effect already committed, so the notification just needs its bookkeeping
// finished. Everything else (precondition violations, transient failures)
// propagates and the notification stays eligible for retry.
func (r *Reconciler) finishOrFail(ctx context.Context, n bankfeed.Notification, err error) error {
	if errors.Is(err, ledger.ErrAlreadyApplied) {
		r.Logger.Info("notification already applied, completing bookkeeping", "notification_id", n.ID)
		r.finish(ctx, n.ID)
		return nil
	}
	return err
}

// finish marks the cache and acknowledges upstream, both best-effort: the
// effect is committed, and a lost mark or ack self-heals on the next poll
// via the cache and the external_ref backstop.
func (r *Reconciler) finish(ctx context.Context, id string) {
	if err := r.Cache.MarkApplied(ctx, id); err != nil {
		r.Logger.Warn("dedup mark failed after commit", "notification_id", id, "error", err)
	}
	if err := r.Feed.Acknowledge(ctx, id); err != nil {
		r.Logger.Warn("acknowledge failed, notification will be re-seen", "notification_id", id, "error", err)
	}
}

func (r *Reconciler) publish(ctx context.Context, rows []*models.Transaction) {
	if r.Events == nil {
		return
	}
	for _, t := range rows {
		if err := r.Events.TransactionCompleted(ctx, t); err != nil {
			r.Logger.Warn("publish transaction event failed", "transaction_id", t.ID, "error", err)
		}
	}
}
