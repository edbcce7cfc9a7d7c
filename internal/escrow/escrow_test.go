package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/cambista/ledger/internal/ledger"
	"github.com/cambista/ledger/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory mocks for TxBeginner, WalletRepo, MatchRepo and RecordRepo.
// These let us test the real release protocol without a database.
// ---------------------------------------------------------------------------

// noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called.
type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type mockDB struct{}

func (mockDB) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

// --- wallets ---

type walletState struct {
	balance decimal.Decimal
	locked  decimal.Decimal
}

type mockWallets struct {
	mu      sync.Mutex
	wallets map[string]*walletState // key: userID/currency
}

func newMockWallets() *mockWallets {
	return &mockWallets{wallets: make(map[string]*walletState)}
}

func (m *mockWallets) set(userID, currency string, balance, locked decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[userID+"/"+currency] = &walletState{balance: balance, locked: locked}
}

func (m *mockWallets) CreditAndUnlock(_ context.Context, _ pgx.Tx, userID, currency string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID+"/"+currency]
	if !ok {
		w = &walletState{}
		m.wallets[userID+"/"+currency] = w
	}
	w.balance = w.balance.Add(amount)
	w.locked = decimal.Max(w.locked.Sub(amount), decimal.Zero)
	return nil
}

func (m *mockWallets) state(userID, currency string) (balance, locked decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wallets[userID+"/"+currency]; ok {
		return w.balance, w.locked
	}
	return decimal.Zero, decimal.Zero
}

// --- matches ---

type mockMatches struct {
	mu      sync.Mutex
	matches map[string]*models.Match
}

func newMockMatches(ms ...*models.Match) *mockMatches {
	m := &mockMatches{matches: make(map[string]*models.Match)}
	for _, match := range ms {
		cp := *match
		m.matches[match.ID] = &cp
	}
	return m
}

func (m *mockMatches) MatchForUpdate(_ context.Context, _ pgx.Tx, matchID string) (*models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match, ok := m.matches[matchID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *match
	return &cp, nil
}

func (m *mockMatches) CompleteMatch(_ context.Context, _ pgx.Tx, matchID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match, ok := m.matches[matchID]
	if !ok || match.Status != models.MatchStatusPending {
		return false, nil
	}
	match.Status = models.MatchStatusCompleted
	now := time.Now()
	match.CompletedAt = &now
	return true, nil
}

func (m *mockMatches) status(matchID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matches[matchID].Status
}

// --- records ---

type mockRecords struct {
	mu   sync.Mutex
	rows []*models.Transaction
}

func (m *mockRecords) InsertTransaction(_ context.Context, _ pgx.Tx, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *mockRecords) ExternalRefExists(_ context.Context, _ pgx.Tx, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.rows {
		if t.ExternalRef != nil && *t.ExternalRef == ref {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRecords) byKind(kind string) []*models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, t := range m.rows {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func pendingMatch(id, buyer, seller, currency, amount string) *models.Match {
	return &models.Match{
		ID:          id,
		BuyOrderID:  id + "-buy",
		SellOrderID: id + "-sell",
		BuyerID:     buyer,
		SellerID:    seller,
		Currency:    currency,
		Amount:      dec(amount),
		Status:      models.MatchStatusPending,
		CreatedAt:   time.Now().Add(-time.Hour),
	}
}

func metadataOf(t *testing.T, row *models.Transaction) models.TxMetadata {
	t.Helper()
	var meta models.TxMetadata
	if err := json.Unmarshal(row.Metadata, &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	return meta
}

func newTestService(wallets *mockWallets, matches *mockMatches, records *mockRecords) *Service {
	return NewService(mockDB{}, wallets, matches, records)
}

// ---------------------------------------------------------------------------
// 1. TestRelease_SellerCredited
// ---------------------------------------------------------------------------

func TestRelease_SellerCredited(t *testing.T) {
	wallets := newMockWallets()
	wallets.set("seller7", "USDT", dec("10"), dec("40"))
	matches := newMockMatches(pendingMatch("m42", "buyer9", "seller7", "USDT", "40"))
	records := &mockRecords{}
	svc := newTestService(wallets, matches, records)

	ref := "n-p2p-1"
	settlement, err := svc.Release(context.Background(), "m42", "buyer9", &ref)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}

	// The seller, not the buyer, receives the credit; their hold unwinds.
	balance, locked := wallets.state("seller7", "USDT")
	if !balance.Equal(dec("50")) {
		t.Errorf("seller balance: got %s, want 50", balance)
	}
	if !locked.IsZero() {
		t.Errorf("seller locked: got %s, want 0", locked)
	}
	buyerBalance, _ := wallets.state("buyer9", "USDT")
	if !buyerBalance.IsZero() {
		t.Errorf("buyer balance must be untouched, got %s", buyerBalance)
	}

	if got := matches.status("m42"); got != models.MatchStatusCompleted {
		t.Errorf("match status: got %s, want COMPLETED", got)
	}

	// Two linked rows, both COMPLETED.
	buys := records.byKind(models.KindP2PBuy)
	sells := records.byKind(models.KindP2PSell)
	if len(buys) != 1 || len(sells) != 1 {
		t.Fatalf("rows: got %d buy / %d sell, want 1/1", len(buys), len(sells))
	}
	if buys[0].UserID != "buyer9" || sells[0].UserID != "seller7" {
		t.Error("buy row belongs to the buyer, sell row to the seller")
	}
	if buys[0].Status != models.StatusCompleted || sells[0].Status != models.StatusCompleted {
		t.Error("both rows should be recorded COMPLETED")
	}
	if buys[0].ExternalRef == nil || *buys[0].ExternalRef != ref {
		t.Error("buy row should carry the notification id as external_ref")
	}
	if sells[0].ExternalRef != nil {
		t.Error("sell row must not consume the external_ref")
	}

	buyMeta := metadataOf(t, buys[0])
	if buyMeta.MatchID != "m42" || buyMeta.Counterparty != "seller7" {
		t.Errorf("buy metadata: got match %q counterparty %q", buyMeta.MatchID, buyMeta.Counterparty)
	}
	if buyMeta.AutoReleased {
		t.Error("a payer-verified release must not be flagged auto_released")
	}

	if settlement.Match.ID != "m42" || settlement.BuyTx == nil || settlement.SellTx == nil {
		t.Error("settlement should carry the match and both rows")
	}
}

// ---------------------------------------------------------------------------
// 2. TestRelease_NetZeroForSeller
//    The seller's balance + locked_balance total moves only by the credited
//    amount that their hold absorbs: with a full hold in place the total is
//    conserved exactly.
// ---------------------------------------------------------------------------

func TestRelease_NetZeroForSeller(t *testing.T) {
	wallets := newMockWallets()
	wallets.set("seller7", "USDT", dec("123.45"), dec("40"))
	matches := newMockMatches(pendingMatch("m42", "buyer9", "seller7", "USDT", "40"))
	svc := newTestService(wallets, matches, &mockRecords{})

	beforeBalance, beforeLocked := wallets.state("seller7", "USDT")
	totalBefore := beforeBalance.Add(beforeLocked)

	if _, err := svc.Release(context.Background(), "m42", "buyer9", nil); err != nil {
		t.Fatalf("Release: %v", err)
	}

	afterBalance, afterLocked := wallets.state("seller7", "USDT")
	totalAfter := afterBalance.Add(afterLocked)
	if !totalAfter.Equal(totalBefore) {
		t.Errorf("seller total changed: before %s, after %s", totalBefore, totalAfter)
	}
	if !afterBalance.Equal(beforeBalance.Add(dec("40"))) {
		t.Errorf("balance: got %s, want %s", afterBalance, beforeBalance.Add(dec("40")))
	}
	if !afterLocked.Equal(beforeLocked.Sub(dec("40"))) {
		t.Errorf("locked: got %s, want %s", afterLocked, beforeLocked.Sub(dec("40")))
	}
}

// ---------------------------------------------------------------------------
// 3. TestRelease_LockedFloorsAtZero
// ---------------------------------------------------------------------------

func TestRelease_LockedFloorsAtZero(t *testing.T) {
	wallets := newMockWallets()
	// Hold smaller than the trade amount: the floor keeps locked at zero.
	wallets.set("seller7", "USDT", dec("0"), dec("25"))
	matches := newMockMatches(pendingMatch("m1", "buyer1", "seller7", "USDT", "40"))
	svc := newTestService(wallets, matches, &mockRecords{})

	if _, err := svc.Release(context.Background(), "m1", "buyer1", nil); err != nil {
		t.Fatalf("Release: %v", err)
	}

	balance, locked := wallets.state("seller7", "USDT")
	if !balance.Equal(dec("40")) {
		t.Errorf("balance: got %s, want 40", balance)
	}
	if !locked.IsZero() {
		t.Errorf("locked must floor at zero, got %s", locked)
	}
}

// ---------------------------------------------------------------------------
// 4. Precondition violations roll back without touching anything
// ---------------------------------------------------------------------------

func TestRelease_MatchNotFound(t *testing.T) {
	svc := newTestService(newMockWallets(), newMockMatches(), &mockRecords{})

	_, err := svc.Release(context.Background(), "missing", "buyer9", nil)
	if !errors.Is(err, ErrMatchNotFound) {
		t.Fatalf("expected ErrMatchNotFound, got: %v", err)
	}
}

func TestRelease_MatchNotPending(t *testing.T) {
	done := pendingMatch("m42", "buyer9", "seller7", "USDT", "40")
	done.Status = models.MatchStatusCompleted

	wallets := newMockWallets()
	wallets.set("seller7", "USDT", dec("10"), dec("40"))
	records := &mockRecords{}
	svc := newTestService(wallets, newMockMatches(done), records)

	_, err := svc.Release(context.Background(), "m42", "buyer9", nil)
	if !errors.Is(err, ErrMatchNotPending) {
		t.Fatalf("expected ErrMatchNotPending, got: %v", err)
	}

	balance, locked := wallets.state("seller7", "USDT")
	if !balance.Equal(dec("10")) || !locked.Equal(dec("40")) {
		t.Errorf("wallet must be untouched, got balance %s locked %s", balance, locked)
	}
	if len(records.rows) != 0 {
		t.Errorf("expected 0 rows, got %d", len(records.rows))
	}
}

func TestRelease_PayerMismatch(t *testing.T) {
	wallets := newMockWallets()
	wallets.set("seller7", "USDT", dec("10"), dec("40"))
	matches := newMockMatches(pendingMatch("m42", "buyer9", "seller7", "USDT", "40"))
	records := &mockRecords{}
	svc := newTestService(wallets, matches, records)

	_, err := svc.Release(context.Background(), "m42", "imposter", nil)
	if !errors.Is(err, ErrPayerMismatch) {
		t.Fatalf("expected ErrPayerMismatch, got: %v", err)
	}

	if got := matches.status("m42"); got != models.MatchStatusPending {
		t.Errorf("match must stay PENDING, got %s", got)
	}
	balance, locked := wallets.state("seller7", "USDT")
	if !balance.Equal(dec("10")) || !locked.Equal(dec("40")) {
		t.Errorf("wallet must be untouched, got balance %s locked %s", balance, locked)
	}
	if len(records.rows) != 0 {
		t.Errorf("expected 0 rows, got %d", len(records.rows))
	}
}

// ---------------------------------------------------------------------------
// 5. TestRelease_RedeliveredNotificationIsReplay
//    The release committed but the caller lost track of it (dedup mark gone).
//    Redelivering the same notification id against the now-COMPLETED match
//    reports ErrAlreadyApplied; a different id stays a precondition failure.
// ---------------------------------------------------------------------------

func TestRelease_RedeliveredNotificationIsReplay(t *testing.T) {
	wallets := newMockWallets()
	wallets.set("seller7", "USDT", dec("10"), dec("40"))
	matches := newMockMatches(pendingMatch("m42", "buyer9", "seller7", "USDT", "40"))
	records := &mockRecords{}
	svc := newTestService(wallets, matches, records)
	ctx := context.Background()

	ref := "n-p2p-1"
	if _, err := svc.Release(ctx, "m42", "buyer9", &ref); err != nil {
		t.Fatalf("first Release: %v", err)
	}

	_, err := svc.Release(ctx, "m42", "buyer9", &ref)
	if !errors.Is(err, ledger.ErrAlreadyApplied) {
		t.Fatalf("expected ErrAlreadyApplied on redelivery, got: %v", err)
	}

	// Credited exactly once, recorded exactly once.
	balance, _ := wallets.state("seller7", "USDT")
	if !balance.Equal(dec("50")) {
		t.Errorf("seller balance: got %s, want 50", balance)
	}
	if len(records.rows) != 2 {
		t.Errorf("rows: got %d, want the original buy/sell pair", len(records.rows))
	}

	// A fresh notification id against the settled match is not a replay.
	other := "n-p2p-2"
	if _, err := svc.Release(ctx, "m42", "buyer9", &other); !errors.Is(err, ErrMatchNotPending) {
		t.Errorf("expected ErrMatchNotPending for an unrecorded ref, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// 6. TestRelease_SweeperBypass
//    An empty payer id is the timeout sweeper's path: no identity to verify,
//    release proceeds and both rows are flagged auto_released.
// ---------------------------------------------------------------------------

func TestRelease_SweeperBypass(t *testing.T) {
	wallets := newMockWallets()
	wallets.set("seller7", "USDT", dec("0"), dec("40"))
	matches := newMockMatches(pendingMatch("m42", "buyer9", "seller7", "USDT", "40"))
	records := &mockRecords{}
	svc := newTestService(wallets, matches, records)

	settlement, err := svc.Release(context.Background(), "m42", "", nil)
	if err != nil {
		t.Fatalf("Release with empty payer: %v", err)
	}

	if got := matches.status("m42"); got != models.MatchStatusCompleted {
		t.Errorf("match status: got %s, want COMPLETED", got)
	}
	balance, _ := wallets.state("seller7", "USDT")
	if !balance.Equal(dec("40")) {
		t.Errorf("seller balance: got %s, want 40", balance)
	}

	for _, row := range []*models.Transaction{settlement.BuyTx, settlement.SellTx} {
		if meta := metadataOf(t, row); !meta.AutoReleased {
			t.Errorf("%s row should be flagged auto_released", row.Kind)
		}
	}
	if settlement.BuyTx.ExternalRef != nil {
		t.Error("a timeout release has no notification id to record")
	}
}
