package reconcile

import (
	"context"
	"errors"
	"strings"

	"github.com/cambista/ledger/internal/bankfeed"
)

// Effect is what a resolved notification should do to the ledger.
type Effect string

const (
	// EffectDeposit credits the owner's wallet unconditionally.
	EffectDeposit Effect = "DEPOSIT"
	// EffectP2PPayment releases the escrowed match the payer paid for.
	EffectP2PPayment Effect = "P2P_PAYMENT"
)

// ErrUnresolvable marks a notification no rule can attribute. It is a
// permanent failure: the caller caches it and gives up rather than retrying
// forever.
var ErrUnresolvable = errors.New("reference unresolvable")

// ParsedReference is the typed outcome of a reference pattern match.
type ParsedReference struct {
	Effect  Effect
	UserID  string
	MatchID string
}

type matcher func(parts []string) (ParsedReference, bool)

// Pattern priority is fixed: P2P beats DEPOSIT beats the sender-account
// fallback, even when a reference happens to satisfy more than one rule.
var matchers = []matcher{matchP2P, matchDeposit}

// matchP2P recognizes "P2P-<matchId>-<userId>", tolerating trailing tokens.
func matchP2P(parts []string) (ParsedReference, bool) {
	if len(parts) < 3 || !strings.EqualFold(parts[0], "P2P") {
		return ParsedReference{}, false
	}
	if parts[1] == "" || parts[2] == "" {
		return ParsedReference{}, false
	}
	return ParsedReference{Effect: EffectP2PPayment, MatchID: parts[1], UserID: parts[2]}, true
}

// matchDeposit recognizes "DEPOSIT-<userId>", tolerating trailing tokens
// such as the unix-time suffix deposit instructions append.
func matchDeposit(parts []string) (ParsedReference, bool) {
	if len(parts) < 2 || !strings.EqualFold(parts[0], "DEPOSIT") {
		return ParsedReference{}, false
	}
	if parts[1] == "" {
		return ParsedReference{}, false
	}
	return ParsedReference{Effect: EffectDeposit, UserID: parts[1]}, true
}

// ParseReference tries the reference patterns in priority order.
func ParseReference(raw string) (ParsedReference, bool) {
	parts := strings.Split(strings.TrimSpace(raw), "-")
	for _, match := range matchers {
		if p, ok := match(parts); ok {
			return p, true
		}
	}
	return ParsedReference{}, false
}

// AccountDirectory resolves a sender bank account number to a user id.
// Implementations return "" (not an error) when no mapping exists.
type AccountDirectory interface {
	UserIDByBankAccount(ctx context.Context, accountNumber string) (string, error)
}

// Resolver maps a notification to its intended ledger effect: reference
// patterns first, then the registered sender-account mapping, then
// ErrUnresolvable.
type Resolver struct {
	Directory AccountDirectory
}

func NewResolver(directory AccountDirectory) *Resolver {
	return &Resolver{Directory: directory}
}

func (r *Resolver) Resolve(ctx context.Context, n bankfeed.Notification) (ParsedReference, error) {
	if p, ok := ParseReference(n.Reference); ok {
		return p, nil
	}

	account := strings.TrimSpace(n.SenderAccount)
	if account != "" {
		userID, err := r.Directory.UserIDByBankAccount(ctx, account)
		if err != nil {
			// Lookup failures are transient, not unresolvable.
			return ParsedReference{}, err
		}
		if userID != "" {
			return ParsedReference{Effect: EffectDeposit, UserID: userID}, nil
		}
	}
	return ParsedReference{}, ErrUnresolvable
}
