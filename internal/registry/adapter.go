package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrInsufficientCustody = errors.New("insufficient custodied assets")

type custodyKey struct {
	Vault string
	Asset string
}

// InMemoryAdapter is a book-entry custody adapter for local deployments and
// tests. Production deployments put real custody integrations behind the
// Adapter interface instead.
type InMemoryAdapter struct {
	mu       sync.RWMutex
	balances map[custodyKey]decimal.Decimal

	// yield applied on top of the booked balance, per key
	marks map[custodyKey]decimal.Decimal
}

// NewInMemoryAdapter creates an empty adapter.
func NewInMemoryAdapter() *InMemoryAdapter {
	return &InMemoryAdapter{
		balances: make(map[custodyKey]decimal.Decimal),
		marks:    make(map[custodyKey]decimal.Decimal),
	}
}

// Deposit books assets into custody.
func (a *InMemoryAdapter) Deposit(ctx context.Context, asset string, amount decimal.Decimal, vault string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := custodyKey{vault, asset}
	a.balances[key] = a.balances[key].Add(amount)
	return nil
}

// Withdraw books assets out of custody.
func (a *InMemoryAdapter) Withdraw(ctx context.Context, asset string, amount decimal.Decimal, vault string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := custodyKey{vault, asset}
	if a.balances[key].LessThan(amount) {
		return ErrInsufficientCustody
	}
	a.balances[key] = a.balances[key].Sub(amount)
	return nil
}

// TotalAssets returns the booked balance plus the current mark.
func (a *InMemoryAdapter) TotalAssets(vault, asset string) (decimal.Decimal, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	key := custodyKey{vault, asset}
	return a.balances[key].Add(a.marks[key]), nil
}

// TotalEstimatedAssets matches TotalAssets for the in-memory adapter; real
// custody may return a stale mark-to-market figure here.
func (a *InMemoryAdapter) TotalEstimatedAssets(vault, asset string) (decimal.Decimal, error) {
	return a.TotalAssets(vault, asset)
}

// Mark sets the unrealized yield on a position. Positive marks are profit,
// negative marks a loss.
func (a *InMemoryAdapter) Mark(vault, asset string, yield decimal.Decimal) {
	a.mu.Lock()
	a.marks[custodyKey{vault, asset}] = yield
	a.mu.Unlock()
}
