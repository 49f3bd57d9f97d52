package claims

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kamlabs/kamcore/internal/batch"
	"github.com/kamlabs/kamcore/internal/ledger"
	"github.com/kamlabs/kamcore/internal/registry"
	"github.com/kamlabs/kamcore/pkg/amount"
	"github.com/kamlabs/kamcore/pkg/messaging"
	"github.com/kamlabs/kamcore/pkg/pause"
)

var (
	ErrRequestNotFound   = errors.New("claim request not found")
	ErrRequestNotPending = errors.New("claim request is not pending")
	ErrNotBeneficiary    = errors.New("caller is not the request beneficiary")
)

// Kind distinguishes the four request flavors.
type Kind int

const (
	KindDeposit Kind = iota
	KindRedeem
	KindStake
	KindUnstake
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindRedeem:
		return "redeem"
	case KindStake:
		return "stake"
	case KindUnstake:
		return "unstake"
	default:
		return "unknown"
	}
}

// Status is the request state. Pending -> Claimed is terminal; there is no
// way back.
type Status int

const (
	StatusPending Status = iota
	StatusClaimed
)

// Request is one user request recorded against a batch. Amount is
// asset-denominated for deposit/redeem/stake and share-denominated for
// unstake.
type Request struct {
	ID          uuid.UUID
	Kind        Kind
	Vault       string
	BatchID     uint64
	Beneficiary string
	Amount      decimal.Decimal
	Status      Status
	CreatedAt   time.Time
	ClaimedAt   time.Time
}

// Processor records requests while a batch is open and pays them out exactly
// once after the batch settles.
type Processor struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]*Request

	ledgerSvc *ledger.Ledger
	batches   *batch.Manager
	vaults    *registry.Registry
	ktoken    registry.Token

	pauser *pause.Switch
	msg    *messaging.Client
	now    func() time.Time
}

// Config holds processor dependencies.
type Config struct {
	Ledger    *ledger.Ledger
	Batches   *batch.Manager
	Vaults    *registry.Registry
	KToken    registry.Token
	Pauser    *pause.Switch
	Messaging *messaging.Client
	Now       func() time.Time
}

// NewProcessor creates a claim processor.
func NewProcessor(cfg Config) *Processor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		requests:  make(map[uuid.UUID]*Request),
		ledgerSvc: cfg.Ledger,
		batches:   cfg.Batches,
		vaults:    cfg.Vaults,
		ktoken:    cfg.KToken,
		pauser:    cfg.Pauser,
		msg:       cfg.Messaging,
		now:       now,
	}
}

// RequestDeposit records a deposit of underlying assets against the vault's
// current open batch. The pegged kToken is minted at claim time, after the
// batch settles.
func (p *Processor) RequestDeposit(ctx context.Context, caller, vaultAddr string, amt decimal.Decimal) (uuid.UUID, error) {
	return p.requestInflow(ctx, caller, vaultAddr, amt, KindDeposit)
}

// RequestStake records a stake of kToken into a yield vault. Shares are
// minted at claim time at the settlement share price.
func (p *Processor) RequestStake(ctx context.Context, caller, vaultAddr string, amt decimal.Decimal) (uuid.UUID, error) {
	vault, err := p.vaults.Get(vaultAddr)
	if err != nil {
		return uuid.Nil, err
	}
	if vault.ShareToken == nil {
		return uuid.Nil, registry.ErrUnknownVault
	}

	id, err := p.requestInflow(ctx, caller, vaultAddr, amt, KindStake)
	if err != nil {
		return uuid.Nil, err
	}

	// Staked kToken moves into the vault up front; only the share mint
	// waits for settlement.
	if err := p.ktoken.Transfer(ctx, caller, vault.Address, amt); err != nil {
		return uuid.Nil, fmt.Errorf("failed to escrow staked tokens: %w", err)
	}
	return id, nil
}

func (p *Processor) requestInflow(ctx context.Context, caller, vaultAddr string, amt decimal.Decimal, kind Kind) (uuid.UUID, error) {
	if err := p.pauser.Guard(); err != nil {
		return uuid.Nil, err
	}
	if caller == "" {
		return uuid.Nil, registry.ErrZeroAddress
	}
	if !amt.IsPositive() {
		return uuid.Nil, ledger.ErrZeroAmount
	}

	vault, err := p.vaults.Get(vaultAddr)
	if err != nil {
		return uuid.Nil, err
	}

	batchID := p.batches.GetOrOpenCurrent(ctx, vaultAddr)
	if err := p.ledgerSvc.Push(ctx, vaultAddr, vault.Asset, batchID, amt); err != nil {
		return uuid.Nil, err
	}
	if err := p.batches.RecordDeposit(vaultAddr, batchID, amt); err != nil {
		return uuid.Nil, err
	}

	return p.record(ctx, kind, vaultAddr, batchID, caller, amt), nil
}

// RequestRedeem records a redemption of pegged kToken for underlying
// assets. The tokens move into batch escrow immediately and burn at claim.
func (p *Processor) RequestRedeem(ctx context.Context, caller, vaultAddr string, amt decimal.Decimal) (uuid.UUID, error) {
	if err := p.pauser.Guard(); err != nil {
		return uuid.Nil, err
	}
	if caller == "" {
		return uuid.Nil, registry.ErrZeroAddress
	}
	if !amt.IsPositive() {
		return uuid.Nil, ledger.ErrZeroAmount
	}

	vault, err := p.vaults.Get(vaultAddr)
	if err != nil {
		return uuid.Nil, err
	}

	batchID := p.batches.GetOrOpenCurrent(ctx, vaultAddr)
	if err := p.ktoken.Transfer(ctx, caller, escrowAccount(vaultAddr, batchID), amt); err != nil {
		return uuid.Nil, fmt.Errorf("failed to escrow redeemed tokens: %w", err)
	}
	if err := p.ledgerSvc.Request(ctx, vaultAddr, vault.Asset, batchID, amt); err != nil {
		return uuid.Nil, err
	}

	return p.record(ctx, KindRedeem, vaultAddr, batchID, caller, amt), nil
}

// RequestUnstake records a share-denominated unstake from a yield vault.
// The asset value is fixed only at settlement, so the batch aggregates
// shares, not assets.
func (p *Processor) RequestUnstake(ctx context.Context, caller, vaultAddr string, shares decimal.Decimal) (uuid.UUID, error) {
	if err := p.pauser.Guard(); err != nil {
		return uuid.Nil, err
	}
	if caller == "" {
		return uuid.Nil, registry.ErrZeroAddress
	}
	if !shares.IsPositive() {
		return uuid.Nil, ledger.ErrZeroAmount
	}

	vault, err := p.vaults.Get(vaultAddr)
	if err != nil {
		return uuid.Nil, err
	}
	if vault.ShareToken == nil {
		return uuid.Nil, registry.ErrUnknownVault
	}

	batchID := p.batches.GetOrOpenCurrent(ctx, vaultAddr)
	if err := vault.ShareToken.Transfer(ctx, caller, escrowAccount(vaultAddr, batchID), shares); err != nil {
		return uuid.Nil, fmt.Errorf("failed to escrow shares: %w", err)
	}
	if err := p.batches.RecordRequestedShares(vaultAddr, batchID, shares); err != nil {
		return uuid.Nil, err
	}
	if err := p.ledgerSvc.AddRequestedShares(vaultAddr, batchID, shares); err != nil {
		return uuid.Nil, err
	}

	return p.record(ctx, KindUnstake, vaultAddr, batchID, caller, shares), nil
}

// ClaimStakedShares pays out a settled deposit or stake request: kToken 1:1
// for deposits, vault shares at the settlement price for stakes. Exactly
// once, and only to the original beneficiary.
func (p *Processor) ClaimStakedShares(ctx context.Context, caller string, batchID uint64, requestID uuid.UUID) (decimal.Decimal, error) {
	req, b, err := p.beginClaim(caller, batchID, requestID, KindDeposit, KindStake)
	if err != nil {
		return decimal.Zero, err
	}

	vault, err := p.vaults.Get(req.Vault)
	if err != nil {
		p.revert(requestID)
		return decimal.Zero, err
	}

	var payout decimal.Decimal
	switch req.Kind {
	case KindDeposit:
		// Pegged 1:1.
		payout = req.Amount
		err = p.ktoken.Mint(ctx, req.Beneficiary, payout)
	case KindStake:
		payout, err = amount.SharesFor(req.Amount, b.SettledPrice)
		if err == nil {
			err = vault.ShareToken.Mint(ctx, req.Beneficiary, payout)
		}
	}
	if err != nil {
		p.revert(requestID)
		return decimal.Zero, err
	}

	p.publishClaim(ctx, req, payout, decimal.Zero)
	return payout, nil
}

// ClaimUnstakedAssets pays out a settled redeem or unstake request from the
// batch receiver escrow and burns the tokens escrowed at request time.
func (p *Processor) ClaimUnstakedAssets(ctx context.Context, caller string, batchID uint64, requestID uuid.UUID) (decimal.Decimal, error) {
	req, b, err := p.beginClaim(caller, batchID, requestID, KindRedeem, KindUnstake)
	if err != nil {
		return decimal.Zero, err
	}

	vault, err := p.vaults.Get(req.Vault)
	if err != nil {
		p.revert(requestID)
		return decimal.Zero, err
	}

	var assets decimal.Decimal
	var burnToken registry.Token
	switch req.Kind {
	case KindRedeem:
		assets = req.Amount
		burnToken = p.ktoken
	case KindUnstake:
		assets = amount.AssetsFor(req.Amount, b.SettledPrice)
		burnToken = vault.ShareToken
	}

	recv, err := p.batches.Receiver(b.Receiver)
	if err != nil {
		p.revert(requestID)
		return decimal.Zero, err
	}
	if err := recv.Withdraw(assets); err != nil {
		p.revert(requestID)
		return decimal.Zero, err
	}

	if err := burnToken.Burn(ctx, escrowAccount(req.Vault, batchID), req.Amount); err != nil {
		// Put the withdrawn assets back before re-pending the request, or
		// the retry would draw the receiver escrow a second time.
		recv.Fund(assets)
		p.revert(requestID)
		return decimal.Zero, err
	}

	p.publishClaim(ctx, req, decimal.Zero, assets)
	return assets, nil
}

// beginClaim runs the shared claim preconditions and flips the request to
// Claimed before any token movement, so a re-entrant or concurrent second
// claim always observes a non-pending request.
func (p *Processor) beginClaim(caller string, batchID uint64, requestID uuid.UUID, kinds ...Kind) (Request, batch.Batch, error) {
	if err := p.pauser.Guard(); err != nil {
		return Request{}, batch.Batch{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	req, exists := p.requests[requestID]
	if !exists || req.BatchID != batchID {
		return Request{}, batch.Batch{}, ErrRequestNotFound
	}

	kindOK := false
	for _, k := range kinds {
		if req.Kind == k {
			kindOK = true
		}
	}
	if !kindOK {
		return Request{}, batch.Batch{}, ErrRequestNotFound
	}

	b, err := p.batches.Get(req.Vault, batchID)
	if err != nil {
		return Request{}, batch.Batch{}, err
	}
	if b.State != batch.StateSettled {
		return Request{}, batch.Batch{}, batch.ErrBatchNotSettled
	}
	if req.Status != StatusPending {
		return Request{}, batch.Batch{}, ErrRequestNotPending
	}
	if req.Beneficiary != caller {
		return Request{}, batch.Batch{}, ErrNotBeneficiary
	}

	req.Status = StatusClaimed
	req.ClaimedAt = p.now()
	return *req, b, nil
}

// revert returns a request to Pending after a failed payout, mirroring the
// all-or-nothing semantics of the settlement call.
func (p *Processor) revert(requestID uuid.UUID) {
	p.mu.Lock()
	if req, exists := p.requests[requestID]; exists {
		req.Status = StatusPending
		req.ClaimedAt = time.Time{}
	}
	p.mu.Unlock()
}

// Get returns a snapshot of a request.
func (p *Processor) Get(requestID uuid.UUID) (Request, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	req, exists := p.requests[requestID]
	if !exists {
		return Request{}, ErrRequestNotFound
	}
	return *req, nil
}

// ForBatch returns all requests recorded against a batch.
func (p *Processor) ForBatch(vault string, batchID uint64) []Request {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Request
	for _, req := range p.requests {
		if req.Vault == vault && req.BatchID == batchID {
			out = append(out, *req)
		}
	}
	return out
}

func (p *Processor) record(ctx context.Context, kind Kind, vault string, batchID uint64, beneficiary string, amt decimal.Decimal) uuid.UUID {
	req := &Request{
		ID:          uuid.New(),
		Kind:        kind,
		Vault:       vault,
		BatchID:     batchID,
		Beneficiary: beneficiary,
		Amount:      amt,
		Status:      StatusPending,
		CreatedAt:   p.now(),
	}

	p.mu.Lock()
	p.requests[req.ID] = req
	p.mu.Unlock()

	if p.msg != nil {
		p.msg.Publish(ctx, messaging.EventTypeRequestCreated, messaging.RequestEvent{
			RequestID:   req.ID,
			Vault:       vault,
			BatchID:     batchID,
			Beneficiary: beneficiary,
			Kind:        kind.String(),
			Amount:      amt.String(),
		})
	}
	return req.ID
}

func (p *Processor) publishClaim(ctx context.Context, req Request, shares, assets decimal.Decimal) {
	if p.msg == nil {
		return
	}

	evt := messaging.ClaimEvent{
		RequestID: req.ID,
		Vault:     req.Vault,
		BatchID:   req.BatchID,
		User:      req.Beneficiary,
	}
	if shares.IsPositive() {
		evt.Shares = shares.String()
	}
	if assets.IsPositive() {
		evt.Assets = assets.String()
	}
	p.msg.Publish(ctx, messaging.EventTypeRequestClaimed, evt)
}

// escrowAccount is the synthetic account that holds tokens escrowed for a
// batch between request and claim.
func escrowAccount(vault string, batchID uint64) string {
	return fmt.Sprintf("escrow:%s:%d", vault, batchID)
}
