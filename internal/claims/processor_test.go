package claims

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamlabs/kamcore/internal/batch"
	"github.com/kamlabs/kamcore/internal/ledger"
	"github.com/kamlabs/kamcore/internal/registry"
	"github.com/kamlabs/kamcore/internal/roles"
	"github.com/kamlabs/kamcore/pkg/amount"
	"github.com/kamlabs/kamcore/pkg/pause"
)

const (
	minterVault  = "0xvault"
	stakingVault = "0xstaking"
	assetUSDC    = "USDC"
	relayerAddr  = "0xrelayer"
	alice        = "0xalice"
	bob          = "0xbob"
)

type fixture struct {
	processor  *Processor
	batches    *batch.Manager
	ledgerSvc  *ledger.Ledger
	ktoken     *registry.InMemoryToken
	shareToken *registry.InMemoryToken
	pauser     *pause.Switch
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	auth := roles.NewService("test-secret", time.Hour)
	auth.Grant(relayerAddr, roles.Relayer)

	f := &fixture{
		pauser:     pause.NewSwitch(pause.Config{}),
		ktoken:     registry.NewInMemoryToken("kUSD"),
		shareToken: registry.NewInMemoryToken("stkUSD"),
	}
	f.ledgerSvc = ledger.New(f.pauser, nil)
	f.batches = batch.NewManager(batch.Config{Authorizer: auth})

	vaults := registry.New()
	require.NoError(t, vaults.Register(registry.Vault{
		Address:  minterVault,
		Asset:    assetUSDC,
		Decimals: 6,
		Kind:     registry.KindMinter,
	}))
	require.NoError(t, vaults.Register(registry.Vault{
		Address:    stakingVault,
		Asset:      assetUSDC,
		Decimals:   6,
		Kind:       registry.KindStaking,
		ShareToken: f.shareToken,
	}))

	f.processor = NewProcessor(Config{
		Ledger:  f.ledgerSvc,
		Batches: f.batches,
		Vaults:  vaults,
		KToken:  f.ktoken,
		Pauser:  f.pauser,
	})
	return f
}

// settle closes the batch, deploys its receiver with the given escrow
// balance, and marks it settled at the given price.
func (f *fixture) settle(t *testing.T, vault string, batchID uint64, price decimal.Decimal, escrow int64) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.batches.Close(ctx, relayerAddr, vault, batchID))
	addr, err := f.batches.CreateReceiver(relayerAddr, vault, batchID)
	require.NoError(t, err)

	if escrow > 0 {
		recv, err := f.batches.Receiver(addr)
		require.NoError(t, err)
		recv.Fund(decimal.NewFromInt(escrow))
	}
	require.NoError(t, f.batches.MarkSettled(ctx, vault, batchID, price, decimal.Zero))
}

func TestRequests(t *testing.T) {
	ctx := context.Background()

	t.Run("should book a deposit against the open batch", func(t *testing.T) {
		f := newFixture(t)

		id, err := f.processor.RequestDeposit(ctx, alice, minterVault, decimal.NewFromInt(500))
		require.NoError(t, err)

		req, err := f.processor.Get(id)
		require.NoError(t, err)
		assert.Equal(t, KindDeposit, req.Kind)
		assert.Equal(t, StatusPending, req.Status)

		deposited, _ := f.ledgerSvc.Balances(minterVault, assetUSDC, req.BatchID)
		assert.True(t, deposited.Equal(decimal.NewFromInt(500)))

		b, err := f.batches.Get(minterVault, req.BatchID)
		require.NoError(t, err)
		assert.True(t, b.TotalDeposited.Equal(decimal.NewFromInt(500)))
	})

	t.Run("should reject zero amounts and empty callers", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.processor.RequestDeposit(ctx, alice, minterVault, decimal.Zero)
		assert.ErrorIs(t, err, ledger.ErrZeroAmount)

		_, err = f.processor.RequestDeposit(ctx, "", minterVault, decimal.NewFromInt(1))
		assert.ErrorIs(t, err, registry.ErrZeroAddress)
	})

	t.Run("should reject unknown vaults", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.processor.RequestDeposit(ctx, alice, "0xghost", decimal.NewFromInt(1))
		assert.ErrorIs(t, err, registry.ErrUnknownVault)
	})

	t.Run("should escrow redeemed tokens up front", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ktoken.Mint(ctx, alice, decimal.NewFromInt(300)))

		id, err := f.processor.RequestRedeem(ctx, alice, minterVault, decimal.NewFromInt(300))
		require.NoError(t, err)

		req, err := f.processor.Get(id)
		require.NoError(t, err)
		assert.True(t, f.ktoken.BalanceOf(alice).IsZero())
		assert.True(t, f.ktoken.TotalSupply().Equal(decimal.NewFromInt(300)),
			"escrow must not burn until claim")

		_, requested := f.ledgerSvc.Balances(minterVault, assetUSDC, req.BatchID)
		assert.True(t, requested.Equal(decimal.NewFromInt(300)))
	})

	t.Run("should refuse a redeem without the balance", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.processor.RequestRedeem(ctx, alice, minterVault, decimal.NewFromInt(1))
		assert.ErrorIs(t, err, registry.ErrInsufficientTokenBalance)
	})

	t.Run("should refuse stakes into a vault without a share token", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ktoken.Mint(ctx, alice, decimal.NewFromInt(100)))

		_, err := f.processor.RequestStake(ctx, alice, minterVault, decimal.NewFromInt(100))
		assert.ErrorIs(t, err, registry.ErrUnknownVault)

		// Nothing was escrowed or booked against the batch.
		assert.True(t, f.ktoken.BalanceOf(alice).Equal(decimal.NewFromInt(100)))
		id := f.batches.GetOrOpenCurrent(ctx, minterVault)
		deposited, _ := f.ledgerSvc.Balances(minterVault, assetUSDC, id)
		assert.True(t, deposited.IsZero())
	})

	t.Run("should record unstakes in shares", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.shareToken.Mint(ctx, alice, decimal.NewFromInt(50)))

		id, err := f.processor.RequestUnstake(ctx, alice, stakingVault, decimal.NewFromInt(50))
		require.NoError(t, err)

		req, err := f.processor.Get(id)
		require.NoError(t, err)
		assert.Equal(t, KindUnstake, req.Kind)

		b, err := f.batches.Get(stakingVault, req.BatchID)
		require.NoError(t, err)
		assert.True(t, b.TotalRequestedShares.Equal(decimal.NewFromInt(50)))
		assert.True(t, f.ledgerSvc.RequestedShares(stakingVault, req.BatchID).Equal(decimal.NewFromInt(50)))
	})

	t.Run("should fail while paused", func(t *testing.T) {
		f := newFixture(t)
		f.pauser.Pause()

		_, err := f.processor.RequestDeposit(ctx, alice, minterVault, decimal.NewFromInt(1))
		assert.ErrorIs(t, err, pause.ErrPaused)
	})
}

func TestClaimStakedShares(t *testing.T) {
	ctx := context.Background()

	t.Run("should mint kTokens one-to-one for a settled deposit", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.processor.RequestDeposit(ctx, alice, minterVault, decimal.NewFromInt(500))
		require.NoError(t, err)
		req, err := f.processor.Get(id)
		require.NoError(t, err)
		f.settle(t, minterVault, req.BatchID, amount.PriceScale, 0)

		payout, err := f.processor.ClaimStakedShares(ctx, alice, req.BatchID, id)
		require.NoError(t, err)
		assert.True(t, payout.Equal(decimal.NewFromInt(500)))
		assert.True(t, f.ktoken.BalanceOf(alice).Equal(decimal.NewFromInt(500)))
	})

	t.Run("should pay exactly once", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.processor.RequestDeposit(ctx, alice, minterVault, decimal.NewFromInt(500))
		require.NoError(t, err)
		req, err := f.processor.Get(id)
		require.NoError(t, err)
		f.settle(t, minterVault, req.BatchID, amount.PriceScale, 0)

		_, err = f.processor.ClaimStakedShares(ctx, alice, req.BatchID, id)
		require.NoError(t, err)

		_, err = f.processor.ClaimStakedShares(ctx, alice, req.BatchID, id)
		assert.ErrorIs(t, err, ErrRequestNotPending)
		assert.True(t, f.ktoken.BalanceOf(alice).Equal(decimal.NewFromInt(500)),
			"second claim must not pay again")
	})

	t.Run("should pay only the beneficiary", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.processor.RequestDeposit(ctx, alice, minterVault, decimal.NewFromInt(500))
		require.NoError(t, err)
		req, err := f.processor.Get(id)
		require.NoError(t, err)
		f.settle(t, minterVault, req.BatchID, amount.PriceScale, 0)

		_, err = f.processor.ClaimStakedShares(ctx, bob, req.BatchID, id)
		assert.ErrorIs(t, err, ErrNotBeneficiary)

		// Alice can still claim after Bob's attempt.
		_, err = f.processor.ClaimStakedShares(ctx, alice, req.BatchID, id)
		assert.NoError(t, err)
	})

	t.Run("should refuse claims before settlement", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.processor.RequestDeposit(ctx, alice, minterVault, decimal.NewFromInt(500))
		require.NoError(t, err)
		req, err := f.processor.Get(id)
		require.NoError(t, err)

		_, err = f.processor.ClaimStakedShares(ctx, alice, req.BatchID, id)
		assert.ErrorIs(t, err, batch.ErrBatchNotSettled)
	})

	t.Run("should refuse a mismatched batch id", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.processor.RequestDeposit(ctx, alice, minterVault, decimal.NewFromInt(500))
		require.NoError(t, err)
		req, err := f.processor.Get(id)
		require.NoError(t, err)
		f.settle(t, minterVault, req.BatchID, amount.PriceScale, 0)

		_, err = f.processor.ClaimStakedShares(ctx, alice, req.BatchID+1, id)
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})

	t.Run("should mint shares at the settlement price for stakes", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ktoken.Mint(ctx, alice, decimal.NewFromInt(1000)))

		id, err := f.processor.RequestStake(ctx, alice, stakingVault, decimal.NewFromInt(1000))
		require.NoError(t, err)
		req, err := f.processor.Get(id)
		require.NoError(t, err)

		// Settle at 2.0: 1000 assets buy 500 shares.
		price := decimal.RequireFromString("2000000000000000000")
		f.settle(t, stakingVault, req.BatchID, price, 0)

		payout, err := f.processor.ClaimStakedShares(ctx, alice, req.BatchID, id)
		require.NoError(t, err)
		assert.True(t, payout.Equal(decimal.NewFromInt(500)))
		assert.True(t, f.shareToken.BalanceOf(alice).Equal(decimal.NewFromInt(500)))
	})

	t.Run("should not claim an outflow request", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ktoken.Mint(ctx, alice, decimal.NewFromInt(100)))
		id, err := f.processor.RequestRedeem(ctx, alice, minterVault, decimal.NewFromInt(100))
		require.NoError(t, err)
		req, err := f.processor.Get(id)
		require.NoError(t, err)
		f.settle(t, minterVault, req.BatchID, amount.PriceScale, 100)

		_, err = f.processor.ClaimStakedShares(ctx, alice, req.BatchID, id)
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})
}

func TestClaimUnstakedAssets(t *testing.T) {
	ctx := context.Background()

	t.Run("should pay a redeem from escrow and burn the tokens", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ktoken.Mint(ctx, alice, decimal.NewFromInt(300)))
		id, err := f.processor.RequestRedeem(ctx, alice, minterVault, decimal.NewFromInt(300))
		require.NoError(t, err)
		req, err := f.processor.Get(id)
		require.NoError(t, err)
		f.settle(t, minterVault, req.BatchID, amount.PriceScale, 300)

		payout, err := f.processor.ClaimUnstakedAssets(ctx, alice, req.BatchID, id)
		require.NoError(t, err)
		assert.True(t, payout.Equal(decimal.NewFromInt(300)))
		assert.True(t, f.ktoken.TotalSupply().IsZero(), "escrowed tokens burn at claim")

		b, err := f.batches.Get(minterVault, req.BatchID)
		require.NoError(t, err)
		recv, err := f.batches.Receiver(b.Receiver)
		require.NoError(t, err)
		assert.True(t, recv.Balance().IsZero())
	})

	t.Run("should value unstaked shares at the settlement price", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.shareToken.Mint(ctx, alice, decimal.NewFromInt(50)))
		id, err := f.processor.RequestUnstake(ctx, alice, stakingVault, decimal.NewFromInt(50))
		require.NoError(t, err)
		req, err := f.processor.Get(id)
		require.NoError(t, err)

		// 50 shares at 2.0 pay 100 assets.
		price := decimal.RequireFromString("2000000000000000000")
		f.settle(t, stakingVault, req.BatchID, price, 100)

		payout, err := f.processor.ClaimUnstakedAssets(ctx, alice, req.BatchID, id)
		require.NoError(t, err)
		assert.True(t, payout.Equal(decimal.NewFromInt(100)))
		assert.True(t, f.shareToken.TotalSupply().IsZero())
	})

	t.Run("should restore the request when escrow cannot pay", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ktoken.Mint(ctx, alice, decimal.NewFromInt(300)))
		id, err := f.processor.RequestRedeem(ctx, alice, minterVault, decimal.NewFromInt(300))
		require.NoError(t, err)
		req, err := f.processor.Get(id)
		require.NoError(t, err)

		// Escrow deliberately underfunded.
		f.settle(t, minterVault, req.BatchID, amount.PriceScale, 100)

		_, err = f.processor.ClaimUnstakedAssets(ctx, alice, req.BatchID, id)
		assert.ErrorIs(t, err, batch.ErrInsufficientBalance)

		after, err := f.processor.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, after.Status, "failed payout must not consume the claim")
	})

	t.Run("should refund the receiver when the escrow burn fails", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ktoken.Mint(ctx, alice, decimal.NewFromInt(300)))
		id, err := f.processor.RequestRedeem(ctx, alice, minterVault, decimal.NewFromInt(300))
		require.NoError(t, err)
		req, err := f.processor.Get(id)
		require.NoError(t, err)
		f.settle(t, minterVault, req.BatchID, amount.PriceScale, 300)

		// Drain the token escrow behind the processor's back so the burn
		// fails after the receiver has already paid out.
		require.NoError(t, f.ktoken.Burn(ctx, escrowAccount(minterVault, req.BatchID), decimal.NewFromInt(300)))

		_, err = f.processor.ClaimUnstakedAssets(ctx, alice, req.BatchID, id)
		assert.ErrorIs(t, err, registry.ErrInsufficientTokenBalance)

		after, err := f.processor.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, after.Status)

		// The receiver escrow is whole again, so a retry pays exactly once.
		b, err := f.batches.Get(minterVault, req.BatchID)
		require.NoError(t, err)
		recv, err := f.batches.Receiver(b.Receiver)
		require.NoError(t, err)
		assert.True(t, recv.Balance().Equal(decimal.NewFromInt(300)))
	})

	t.Run("should fail while paused", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ktoken.Mint(ctx, alice, decimal.NewFromInt(300)))
		id, err := f.processor.RequestRedeem(ctx, alice, minterVault, decimal.NewFromInt(300))
		require.NoError(t, err)
		req, err := f.processor.Get(id)
		require.NoError(t, err)
		f.settle(t, minterVault, req.BatchID, amount.PriceScale, 300)

		f.pauser.Pause()
		_, err = f.processor.ClaimUnstakedAssets(ctx, alice, req.BatchID, id)
		assert.ErrorIs(t, err, pause.ErrPaused)
	})
}

func TestForBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("should list requests for one batch only", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.processor.RequestDeposit(ctx, alice, minterVault, decimal.NewFromInt(100))
		require.NoError(t, err)
		_, err = f.processor.RequestDeposit(ctx, bob, minterVault, decimal.NewFromInt(200))
		require.NoError(t, err)

		id := f.batches.GetOrOpenCurrent(ctx, minterVault)
		reqs := f.processor.ForBatch(minterVault, id)
		assert.Len(t, reqs, 2)
		assert.Empty(t, f.processor.ForBatch(minterVault, id+1))
	})
}
