package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrInsufficientTokenBalance = errors.New("insufficient token balance")

// InMemoryToken is a book-entry token used where no external token contract
// is wired in: local deployments and tests. It keeps the same invariants the
// real contract enforces: burns never exceed balances and supply equals the
// sum of balances.
type InMemoryToken struct {
	Symbol string

	mu       sync.RWMutex
	balances map[string]decimal.Decimal
	supply   decimal.Decimal
}

// NewInMemoryToken creates an empty token.
func NewInMemoryToken(symbol string) *InMemoryToken {
	return &InMemoryToken{
		Symbol:   symbol,
		balances: make(map[string]decimal.Decimal),
		supply:   decimal.Zero,
	}
}

// Mint credits an account and grows supply.
func (t *InMemoryToken) Mint(ctx context.Context, to string, amount decimal.Decimal) error {
	if to == "" {
		return ErrZeroAddress
	}

	t.mu.Lock()
	t.balances[to] = t.balances[to].Add(amount)
	t.supply = t.supply.Add(amount)
	t.mu.Unlock()
	return nil
}

// Burn debits an account and shrinks supply.
func (t *InMemoryToken) Burn(ctx context.Context, from string, amount decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.balances[from].LessThan(amount) {
		return ErrInsufficientTokenBalance
	}
	t.balances[from] = t.balances[from].Sub(amount)
	t.supply = t.supply.Sub(amount)
	return nil
}

// Transfer moves balance between accounts.
func (t *InMemoryToken) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.balances[from].LessThan(amount) {
		return ErrInsufficientTokenBalance
	}
	t.balances[from] = t.balances[from].Sub(amount)
	t.balances[to] = t.balances[to].Add(amount)
	return nil
}

// BalanceOf returns an account balance.
func (t *InMemoryToken) BalanceOf(addr string) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balances[addr]
}

// TotalSupply returns the outstanding supply.
func (t *InMemoryToken) TotalSupply() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.supply
}
