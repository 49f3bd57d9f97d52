package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/kamlabs/kamcore/pkg/messaging"
	"github.com/kamlabs/kamcore/pkg/pause"
)

var (
	ErrZeroAmount                 = errors.New("amount must be positive")
	ErrInsufficientVirtualBalance = errors.New("insufficient virtual balance")
)

// Ledger tracks virtual balances per (vault, asset, batch). These are
// ledger-only bookkeeping entries: no tokens move here, so multiple logical
// batches can share one physical custody pool. Entries are never deleted;
// settled batches remain as a historical record.
type Ledger struct {
	mu       sync.RWMutex
	balances map[balanceKey]*Balance
	shares   map[shareKey]decimal.Decimal

	msg    *messaging.Client
	pauser *pause.Switch
}

type balanceKey struct {
	Vault   string
	Asset   string
	BatchID uint64
}

type shareKey struct {
	Vault   string
	BatchID uint64
}

// Balance is the virtual balance of one (vault, asset) pair in one batch.
type Balance struct {
	Deposited decimal.Decimal
	Requested decimal.Decimal
}

// New creates a ledger. The pause switch gates mutations; msg may be nil in
// tests, in which case no events are published.
func New(pauser *pause.Switch, msg *messaging.Client) *Ledger {
	return &Ledger{
		balances: make(map[balanceKey]*Balance),
		shares:   make(map[shareKey]decimal.Decimal),
		pauser:   pauser,
		msg:      msg,
	}
}

// Push adds a deposit to the batch's virtual balance. Each call is additive;
// idempotency is not assumed.
func (l *Ledger) Push(ctx context.Context, vault, asset string, batchID uint64, amount decimal.Decimal) error {
	if err := l.pauser.Guard(); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrZeroAmount
	}

	l.mu.Lock()
	bal := l.getOrCreate(vault, asset, batchID)
	bal.Deposited = bal.Deposited.Add(amount)
	snapshot := *bal
	l.mu.Unlock()

	l.publish(ctx, messaging.EventTypeLedgerPush, vault, asset, batchID, "push", amount, snapshot)
	return nil
}

// Request records a pending outflow against the batch. The requested amount
// accumulates until settlement pulls it.
func (l *Ledger) Request(ctx context.Context, vault, asset string, batchID uint64, amount decimal.Decimal) error {
	if err := l.pauser.Guard(); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrZeroAmount
	}

	l.mu.Lock()
	bal := l.getOrCreate(vault, asset, batchID)
	bal.Requested = bal.Requested.Add(amount)
	snapshot := *bal
	l.mu.Unlock()

	l.publish(ctx, messaging.EventTypeLedgerPush, vault, asset, batchID, "request", amount, snapshot)
	return nil
}

// Pull consumes part of the batch's requested balance. Underflow is an
// accounting shortfall and fails with ErrInsufficientVirtualBalance before
// any state changes. Pull runs inside settlement execution, which checks the
// pause switch once on entry; it is not re-checked here, so a pause engaged
// after custody has moved cannot strand a half-settled batch.
func (l *Ledger) Pull(ctx context.Context, vault, asset string, batchID uint64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}

	l.mu.Lock()
	bal, exists := l.balances[balanceKey{vault, asset, batchID}]
	if !exists || bal.Requested.LessThan(amount) {
		l.mu.Unlock()
		return ErrInsufficientVirtualBalance
	}
	bal.Requested = bal.Requested.Sub(amount)
	snapshot := *bal
	l.mu.Unlock()

	l.publish(ctx, messaging.EventTypeLedgerPull, vault, asset, batchID, "pull", amount, snapshot)
	return nil
}

// AddRequestedShares accumulates share-denominated redemption requests for a
// batch.
func (l *Ledger) AddRequestedShares(vault string, batchID uint64, shares decimal.Decimal) error {
	if !shares.IsPositive() {
		return ErrZeroAmount
	}

	l.mu.Lock()
	key := shareKey{vault, batchID}
	l.shares[key] = l.shares[key].Add(shares)
	l.mu.Unlock()
	return nil
}

// Balances returns the (deposited, requested) pair for a batch. Unseen keys
// return a zero tuple; this call never fails.
func (l *Ledger) Balances(vault, asset string, batchID uint64) (deposited, requested decimal.Decimal) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	bal, exists := l.balances[balanceKey{vault, asset, batchID}]
	if !exists {
		return decimal.Zero, decimal.Zero
	}
	return bal.Deposited, bal.Requested
}

// RequestedShares returns the share-denominated requests accumulated for a
// batch. Unseen keys return zero.
func (l *Ledger) RequestedShares(vault string, batchID uint64) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	shares, exists := l.shares[shareKey{vault, batchID}]
	if !exists {
		return decimal.Zero
	}
	return shares
}

// TotalDeposited sums deposits across all batches for a (vault, asset) pair.
func (l *Ledger) TotalDeposited(vault, asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for key, bal := range l.balances {
		if key.Vault == vault && key.Asset == asset {
			total = total.Add(bal.Deposited)
		}
	}
	return total
}

func (l *Ledger) getOrCreate(vault, asset string, batchID uint64) *Balance {
	key := balanceKey{vault, asset, batchID}
	bal, exists := l.balances[key]
	if !exists {
		bal = &Balance{Deposited: decimal.Zero, Requested: decimal.Zero}
		l.balances[key] = bal
	}
	return bal
}

func (l *Ledger) publish(ctx context.Context, eventType, vault, asset string, batchID uint64, direction string, amount decimal.Decimal, bal Balance) {
	if l.msg == nil {
		return
	}

	l.msg.Publish(ctx, eventType, messaging.LedgerEvent{
		Vault:     vault,
		Asset:     asset,
		BatchID:   batchID,
		Direction: direction,
		Amount:    amount.String(),
		Deposited: bal.Deposited.String(),
		Requested: bal.Requested.String(),
	})
}
