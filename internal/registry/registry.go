package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownVault      = errors.New("unknown vault")
	ErrZeroAddress       = errors.New("zero address")
	ErrAlreadyRegistered = errors.New("vault already registered")
)

// Token is the minimal surface the core needs from the kToken and stkToken
// contracts. Minting and burning mechanics live behind it.
type Token interface {
	Mint(ctx context.Context, to string, amount decimal.Decimal) error
	Burn(ctx context.Context, from string, amount decimal.Decimal) error
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error
	BalanceOf(addr string) decimal.Decimal
	TotalSupply() decimal.Decimal
}

// Adapter is the custody adapter surface: physical wallets, meta-vault
// strategies and insurance funds sit behind it. TotalEstimatedAssets is a
// mark-to-market estimate and may differ from ledger totals.
type Adapter interface {
	Deposit(ctx context.Context, asset string, amount decimal.Decimal, vault string) error
	Withdraw(ctx context.Context, asset string, amount decimal.Decimal, vault string) error
	TotalAssets(vault, asset string) (decimal.Decimal, error)
	TotalEstimatedAssets(vault, asset string) (decimal.Decimal, error)
}

// Kind distinguishes 1:1 minter vaults from yield-bearing staking vaults.
type Kind int

const (
	KindMinter Kind = iota
	KindStaking
)

// Vault is one registered vault.
type Vault struct {
	Address      string
	Asset        string
	Decimals     int
	FeeRecipient string // receives minted profit, absorbs burned loss
	Kind         Kind
	ShareToken   Token
}

// Registry is the in-process vault registry.
type Registry struct {
	mu     sync.RWMutex
	vaults map[string]*Vault
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		vaults: make(map[string]*Vault),
	}
}

// Register adds a vault. The fee recipient defaults to the vault address
// itself when unset.
func (r *Registry) Register(v Vault) error {
	if v.Address == "" || v.Asset == "" {
		return ErrZeroAddress
	}
	if v.FeeRecipient == "" {
		v.FeeRecipient = v.Address
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.vaults[v.Address]; exists {
		return ErrAlreadyRegistered
	}
	r.vaults[v.Address] = &v
	return nil
}

// IsVault reports whether the address is a registered vault.
func (r *Registry) IsVault(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.vaults[addr]
	return exists
}

// Get returns a vault by address.
func (r *Registry) Get(addr string) (Vault, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, exists := r.vaults[addr]
	if !exists {
		return Vault{}, ErrUnknownVault
	}
	return *v, nil
}

// Vaults returns all registered vault addresses.
func (r *Registry) Vaults() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addrs := make([]string, 0, len(r.vaults))
	for addr := range r.vaults {
		addrs = append(addrs, addr)
	}
	return addrs
}
