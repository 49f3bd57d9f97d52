package settlement

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/kamlabs/kamcore/internal/batch"
)

var (
	ErrInvalidProposal     = errors.New("invalid settlement proposal")
	ErrInsufficientBalance = errors.New("insufficient balance to absorb loss")
)

// validateProposal runs the safety checks a proposal must pass before it is
// admitted. These run again at execution time against the then-current
// state, so a proposal that was valid when created cannot settle a batch it
// no longer fits. lastTotal is the vault's asset total recorded at the
// previous settlement.
func validateProposal(p *Proposal, b batch.Batch, requestedAssets, lastTotal decimal.Decimal) error {
	if p.TotalAssets.IsNegative() || p.Netted.IsNegative() || p.Yield.IsNegative() {
		return ErrInvalidProposal
	}

	// A loss can at most wipe out what the vault holds: the prior total plus
	// this batch's deposits. Anything beyond that is an accounting
	// shortfall, not a settlement.
	if !p.Profit && p.Yield.GreaterThan(lastTotal.Add(b.TotalDeposited)) {
		return ErrInsufficientBalance
	}

	// Netting offsets inflows against outflows; it cannot exceed either leg.
	if p.Netted.GreaterThan(b.TotalDeposited) {
		return ErrInvalidProposal
	}
	if p.Netted.IsPositive() && requestedAssets.Add(b.TotalRequestedShares).IsZero() {
		return ErrInvalidProposal
	}

	return nil
}
