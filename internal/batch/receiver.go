package batch

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrReceiverNotFound    = errors.New("batch receiver not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Receiver is the escrow account for one batch. It custodies redeemed assets
// between settlement and claim, decoupling settlement accounting from cash
// movement. Funds arrive once at settlement; claimants draw them down.
type Receiver struct {
	Address string
	Vault   string
	BatchID uint64

	mu      sync.Mutex
	balance decimal.Decimal
	shares  decimal.Decimal // escrowed shares pending burn
}

// NewReceiver creates an empty escrow.
func NewReceiver(addr, vault string, batchID uint64) *Receiver {
	return &Receiver{
		Address: addr,
		Vault:   vault,
		BatchID: batchID,
		balance: decimal.Zero,
		shares:  decimal.Zero,
	}
}

// Fund credits redeemed assets into the escrow.
func (r *Receiver) Fund(amount decimal.Decimal) {
	r.mu.Lock()
	r.balance = r.balance.Add(amount)
	r.mu.Unlock()
}

// EscrowShares records shares held in escrow pending burn at settlement.
func (r *Receiver) EscrowShares(shares decimal.Decimal) {
	r.mu.Lock()
	r.shares = r.shares.Add(shares)
	r.mu.Unlock()
}

// BurnShares consumes escrowed shares.
func (r *Receiver) BurnShares(shares decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shares.LessThan(shares) {
		return ErrInsufficientBalance
	}
	r.shares = r.shares.Sub(shares)
	return nil
}

// Withdraw pays out escrowed assets to a claimant.
func (r *Receiver) Withdraw(amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.balance.LessThan(amount) {
		return ErrInsufficientBalance
	}
	r.balance = r.balance.Sub(amount)
	return nil
}

// Balance returns the current escrowed asset balance.
func (r *Receiver) Balance() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balance
}

// Shares returns the currently escrowed shares.
func (r *Receiver) Shares() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shares
}
