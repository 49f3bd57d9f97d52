package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kamlabs/kamcore/internal/batch"
	"github.com/kamlabs/kamcore/internal/ledger"
	"github.com/kamlabs/kamcore/internal/registry"
	"github.com/kamlabs/kamcore/internal/roles"
	"github.com/kamlabs/kamcore/pkg/amount"
	"github.com/kamlabs/kamcore/pkg/messaging"
	"github.com/kamlabs/kamcore/pkg/pause"
)

var (
	ErrCooldownNotElapsed = errors.New("settlement cooldown has not elapsed")
	ErrInvalidCooldown    = errors.New("cooldown outside allowed bounds")
)

// Cooldown bounds. Admin changes outside this range are rejected.
const (
	MinCooldown = time.Second
	MaxCooldown = 24 * time.Hour

	DefaultCooldown = time.Hour
)

// CanExecute reason strings. These are view results, not errors.
const (
	ReasonNotFound       = "Proposal not found"
	ReasonCooldownActive = "Cooldown not passed"
)

// Engine validates and executes settlement proposals: it moves real assets
// through the custody adapter, reconciles the virtual ledger, applies yield
// to the kToken supply, fixes the batch's settlement share price and marks
// the batch settled.
type Engine struct {
	mu sync.Mutex // serializes propose/execute; racing executors see not-found

	store     *Store
	ledgerSvc *ledger.Ledger
	batches   *batch.Manager
	vaults    *registry.Registry
	ktoken    registry.Token
	adapter   registry.Adapter

	auth   roles.Authorizer
	pauser *pause.Switch
	msg    *messaging.Client
	now    func() time.Time

	cooldown        time.Duration
	lastTotalAssets map[string]decimal.Decimal // vault -> total after last settlement
}

// Config holds engine dependencies.
type Config struct {
	Store      *Store
	Ledger     *ledger.Ledger
	Batches    *batch.Manager
	Vaults     *registry.Registry
	KToken     registry.Token
	Adapter    registry.Adapter
	Authorizer roles.Authorizer
	Pauser     *pause.Switch
	Messaging  *messaging.Client
	Now        func() time.Time
	Cooldown   time.Duration
}

// NewEngine creates a settlement engine.
func NewEngine(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = DefaultCooldown
	}
	store := cfg.Store
	if store == nil {
		store = NewStore()
	}
	return &Engine{
		store:           store,
		ledgerSvc:       cfg.Ledger,
		batches:         cfg.Batches,
		vaults:          cfg.Vaults,
		ktoken:          cfg.KToken,
		adapter:         cfg.Adapter,
		auth:            cfg.Authorizer,
		pauser:          cfg.Pauser,
		msg:             cfg.Messaging,
		now:             now,
		cooldown:        cooldown,
		lastTotalAssets: make(map[string]decimal.Decimal),
	}
}

// SetCooldown updates the settlement cooldown. Admin-only, bounded, and
// applies only to proposals created after the change: pending proposals keep
// the executeAfter captured at proposal time.
func (e *Engine) SetCooldown(caller string, d time.Duration) error {
	if !e.auth.IsAuthorized(roles.Admin, caller) {
		return roles.ErrWrongRole
	}
	if d < MinCooldown || d > MaxCooldown {
		return ErrInvalidCooldown
	}

	e.mu.Lock()
	e.cooldown = d
	e.mu.Unlock()
	return nil
}

// Cooldown returns the cooldown applied to new proposals. Available while
// paused.
func (e *Engine) Cooldown() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cooldown
}

// Propose creates a settlement proposal for a closed batch and starts its
// timelock. Relayer-only.
func (e *Engine) Propose(ctx context.Context, caller, vaultAddr, asset string, batchID uint64,
	totalAssets, netted, yield decimal.Decimal, profit bool) (string, error) {

	if err := e.pauser.Guard(); err != nil {
		return "", err
	}
	if !e.auth.IsAuthorized(roles.Relayer, caller) {
		return "", roles.ErrWrongRole
	}
	if !e.vaults.IsVault(vaultAddr) {
		return "", registry.ErrUnknownVault
	}

	b, err := e.batches.Get(vaultAddr, batchID)
	if err != nil {
		return "", err
	}
	if b.State != batch.StateClosed {
		return "", batch.ErrBatchNotClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	createdAt := e.now()
	p := &Proposal{
		ID:           proposalID(vaultAddr, batchID, caller, createdAt),
		Vault:        vaultAddr,
		Asset:        asset,
		BatchID:      batchID,
		TotalAssets:  totalAssets,
		Netted:       netted,
		Yield:        yield,
		Profit:       profit,
		Proposer:     caller,
		CreatedAt:    createdAt,
		ExecuteAfter: createdAt.Add(e.cooldown),
	}

	_, requestedAssets := e.ledgerSvc.Balances(vaultAddr, asset, batchID)
	if err := validateProposal(p, b, requestedAssets, e.lastTotal(vaultAddr)); err != nil {
		return "", err
	}

	if err := e.store.Insert(p); err != nil {
		return "", err
	}

	e.publishProposal(ctx, messaging.EventTypeProposalCreated, p, decimal.Zero)
	return p.ID, nil
}

// Cancel tombstones a pending proposal. Guardian-only. Cancellation stays
// available while the protocol is paused; it is part of the emergency
// surface. A proposal that was already executed or cancelled is simply not
// found.
func (e *Engine) Cancel(ctx context.Context, caller, proposalID string) error {
	if !e.auth.IsAuthorized(roles.Guardian, caller) {
		return roles.ErrWrongRole
	}

	p, err := e.store.Remove(proposalID)
	if err != nil {
		return err
	}

	e.publishProposal(ctx, messaging.EventTypeProposalCancelled, &p, decimal.Zero)
	return nil
}

// CanExecute is the pure timelock predicate. It never fails: a missing
// proposal or an active cooldown come back as (false, reason). The boundary
// is inclusive: at exactly executeAfter the proposal is executable.
func (e *Engine) CanExecute(proposalID string) (bool, string) {
	p, err := e.store.Get(proposalID)
	if err != nil {
		return false, ReasonNotFound
	}
	if e.now().Before(p.ExecuteAfter) {
		return false, ReasonCooldownActive
	}
	return true, ""
}

// GetProposal returns a pending proposal, or an explicit not-found error.
func (e *Engine) GetProposal(proposalID string) (Proposal, error) {
	return e.store.Get(proposalID)
}

// Execute settles the batch a proposal describes. Execution is deliberately
// permissionless: proposing is relayer-gated, but once the cooldown has
// elapsed anyone may trigger the mechanical remainder, so a relayer cannot
// grief the protocol by withholding execution. Exactly one of several
// racing callers succeeds; the rest see ErrProposalNotFound.
func (e *Engine) Execute(ctx context.Context, proposalID string) error {
	if err := e.pauser.Guard(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.store.Get(proposalID)
	if err != nil {
		return err
	}
	if e.now().Before(p.ExecuteAfter) {
		return ErrCooldownNotElapsed
	}

	b, err := e.batches.Get(p.Vault, p.BatchID)
	if err != nil {
		return err
	}
	if b.State != batch.StateClosed {
		return batch.ErrBatchNotClosed
	}

	vault, err := e.vaults.Get(p.Vault)
	if err != nil {
		return err
	}

	// Re-run admission checks against current state.
	_, requestedAssets := e.ledgerSvc.Balances(p.Vault, p.Asset, p.BatchID)
	if err := validateProposal(&p, b, requestedAssets, e.lastTotal(p.Vault)); err != nil {
		return err
	}

	// The post-settlement share price distributes this batch's profit or
	// loss pro rata across all outstanding shares. Minter vaults stay
	// pegged 1:1.
	price := amount.PriceScale
	if vault.Kind == registry.KindStaking && vault.ShareToken != nil {
		price = amount.SharePrice(p.TotalAssets, vault.ShareToken.TotalSupply())
	}

	shareAssets := amount.AssetsFor(b.TotalRequestedShares, price)
	totalOut := requestedAssets.Add(shareAssets)

	netInflow := b.TotalDeposited.Sub(p.Netted)
	netOutflow := totalOut.Sub(p.Netted)
	if netInflow.IsNegative() || netOutflow.IsNegative() {
		return ErrInvalidProposal
	}

	// A loss is absorbed by burning the fee recipient's kToken. Verify the
	// balance before any external movement so a failed burn cannot strand a
	// half-settled batch.
	if !p.Profit && p.Yield.IsPositive() {
		if e.ktoken.BalanceOf(vault.FeeRecipient).LessThan(p.Yield) {
			return ErrInsufficientBalance
		}
	}

	// Read the real custodied total for reconciliation before moving
	// anything.
	realTotal, err := e.adapter.TotalAssets(p.Vault, p.Asset)
	if err != nil {
		return fmt.Errorf("failed to read custodied total: %w", err)
	}

	// Consume the proposal before anything moves. Exactly one of several
	// racing executors gets past this point, and a guardian cancellation can
	// no longer interleave with the movements below.
	if _, err := e.store.Remove(proposalID); err != nil {
		return err
	}

	// External movements next. A failure unwinds any partial custody
	// movement and reinstates the proposal, so nothing is half-settled and
	// the batch can be re-executed. The re-insert cannot collide: the engine
	// lock also covers Propose.
	if err := e.applyMovements(ctx, &p, vault, netInflow, netOutflow); err != nil {
		e.store.Insert(&p)
		return err
	}

	// Internal accounting last. Feasibility was established above and the
	// engine lock serializes settlements, so none of these steps can fail
	// once custody has moved. Pull does not re-check the pause switch: a
	// pause engaged while custody was moving must not strand a half-settled
	// batch.
	if requestedAssets.IsPositive() {
		if err := e.ledgerSvc.Pull(ctx, p.Vault, p.Asset, p.BatchID, requestedAssets); err != nil {
			return err
		}
	}

	if totalOut.IsPositive() && b.Receiver != "" {
		if recv, err := e.batches.Receiver(b.Receiver); err == nil {
			recv.Fund(totalOut)
		}
	}

	if err := e.batches.MarkSettled(ctx, p.Vault, p.BatchID, price, p.TotalAssets); err != nil {
		return err
	}

	e.lastTotalAssets[p.Vault] = p.TotalAssets

	e.publishExecuted(ctx, &p, price, realTotal)
	return nil
}

// applyMovements runs the external legs of a settlement: the netted custody
// flows, then the yield mint or burn. When a later leg fails, the earlier
// legs are reversed so custody ends exactly where it started.
func (e *Engine) applyMovements(ctx context.Context, p *Proposal, vault registry.Vault,
	netInflow, netOutflow decimal.Decimal) error {

	if netInflow.IsPositive() {
		if err := e.adapter.Deposit(ctx, p.Asset, netInflow, p.Vault); err != nil {
			return fmt.Errorf("custody deposit failed: %w", err)
		}
	}
	if netOutflow.IsPositive() {
		if err := e.adapter.Withdraw(ctx, p.Asset, netOutflow, p.Vault); err != nil {
			e.reverseInflow(ctx, p, netInflow)
			return fmt.Errorf("custody withdrawal failed: %w", err)
		}
	}

	if p.Yield.IsPositive() {
		var err error
		if p.Profit {
			err = e.ktoken.Mint(ctx, vault.FeeRecipient, p.Yield)
		} else {
			err = e.ktoken.Burn(ctx, vault.FeeRecipient, p.Yield)
		}
		if err != nil {
			if netOutflow.IsPositive() {
				e.adapter.Deposit(ctx, p.Asset, netOutflow, p.Vault)
			}
			e.reverseInflow(ctx, p, netInflow)
			if p.Profit {
				return fmt.Errorf("yield mint failed: %w", err)
			}
			return fmt.Errorf("loss burn failed: %w", err)
		}
	}
	return nil
}

func (e *Engine) reverseInflow(ctx context.Context, p *Proposal, netInflow decimal.Decimal) {
	if netInflow.IsPositive() {
		e.adapter.Withdraw(ctx, p.Asset, netInflow, p.Vault)
	}
}

// SharePrice returns the vault's current share price in 18-decimal fixed
// point, derived from the last settled total and the outstanding share
// supply. Available while paused.
func (e *Engine) SharePrice(vaultAddr string) (decimal.Decimal, error) {
	vault, err := e.vaults.Get(vaultAddr)
	if err != nil {
		return decimal.Zero, err
	}
	if vault.Kind != registry.KindStaking || vault.ShareToken == nil {
		return amount.PriceScale, nil
	}

	e.mu.Lock()
	last := e.lastTotal(vaultAddr)
	e.mu.Unlock()

	return amount.SharePrice(last, vault.ShareToken.TotalSupply()), nil
}

// LastTotalAssets returns the vault's asset total recorded at its most
// recent settlement.
func (e *Engine) LastTotalAssets(vaultAddr string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTotal(vaultAddr)
}

func (e *Engine) lastTotal(vaultAddr string) decimal.Decimal {
	if last, ok := e.lastTotalAssets[vaultAddr]; ok {
		return last
	}
	return decimal.Zero
}

func (e *Engine) publishProposal(ctx context.Context, eventType string, p *Proposal, price decimal.Decimal) {
	if e.msg == nil {
		return
	}

	evt := messaging.ProposalEvent{
		ProposalID:   p.ID,
		Vault:        p.Vault,
		Asset:        p.Asset,
		BatchID:      p.BatchID,
		TotalAssets:  p.TotalAssets.String(),
		Netted:       p.Netted.String(),
		Yield:        p.Yield.String(),
		Profit:       p.Profit,
		ExecuteAfter: p.ExecuteAfter,
	}
	if price.IsPositive() {
		evt.SharePrice = price.String()
	}
	e.msg.Publish(ctx, eventType, evt)
}

func (e *Engine) publishExecuted(ctx context.Context, p *Proposal, price, realTotal decimal.Decimal) {
	if e.msg == nil {
		return
	}

	e.msg.Publish(ctx, messaging.EventTypeProposalExecuted, messaging.ProposalEvent{
		ProposalID:      p.ID,
		Vault:           p.Vault,
		Asset:           p.Asset,
		BatchID:         p.BatchID,
		TotalAssets:     p.TotalAssets.String(),
		Netted:          p.Netted.String(),
		Yield:           p.Yield.String(),
		Profit:          p.Profit,
		SharePrice:      price.String(),
		CustodiedAssets: realTotal.String(),
	})
}
