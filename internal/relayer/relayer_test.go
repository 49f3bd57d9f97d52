package relayer

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
	"github.com/kamlabs/kamcore/internal/settlement"
	"github.com/kamlabs/kamcore/pkg/pause"
)

const (
	vaultAddr   = "0xvault"
	assetUSDC   = "USDC"
	relayerAddr = "0xrelayer"
)

type fixture struct {
	now time.Time

	relayer   *Relayer
	engine    *settlement.Engine
	batches   *batch.Manager
	ledgerSvc *ledger.Ledger
	adapter   *registry.InMemoryAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{now: time.Unix(1700000000, 0)}
	clock := func() time.Time { return f.now }

	auth := roles.NewService("test-secret", time.Hour)
	auth.Grant(relayerAddr, roles.Relayer)

	pauser := pause.NewSwitch(pause.Config{})
	f.ledgerSvc = ledger.New(pauser, nil)
	f.batches = batch.NewManager(batch.Config{Authorizer: auth, Now: clock})
	f.adapter = registry.NewInMemoryAdapter()

	vaults := registry.New()
	ktoken := registry.NewInMemoryToken("kUSD")
	require.NoError(t, vaults.Register(registry.Vault{
		Address:  vaultAddr,
		Asset:    assetUSDC,
		Decimals: 6,
		Kind:     registry.KindMinter,
	}))

	f.engine = settlement.NewEngine(settlement.Config{
		Ledger:     f.ledgerSvc,
		Batches:    f.batches,
		Vaults:     vaults,
		KToken:     ktoken,
		Adapter:    f.adapter,
		Authorizer: auth,
		Pauser:     pauser,
		Now:        clock,
		Cooldown:   settlement.MinCooldown,
	})

	r, err := New(Config{
		Identity: relayerAddr,
		Interval: time.Minute,
		Engine:   f.engine,
		Batches:  f.batches,
		Ledger:   f.ledgerSvc,
		Vaults:   vaults,
		Adapter:  f.adapter,
	})
	require.NoError(t, err)
	f.relayer = r
	return f
}

func TestCadence(t *testing.T) {
	ctx := context.Background()

	t.Run("should drive a batch through close, propose and execute", func(t *testing.T) {
		f := newFixture(t)

		// Book a deposit into the open batch.
		id := f.batches.GetOrOpenCurrent(ctx, vaultAddr)
		require.NoError(t, f.ledgerSvc.Push(ctx, vaultAddr, assetUSDC, id, decimal.NewFromInt(1000)))
		require.NoError(t, f.batches.RecordDeposit(vaultAddr, id, decimal.NewFromInt(1000)))

		// First pass closes the batch and deploys its receiver.
		require.NoError(t, f.relayer.Tick(ctx))
		b, err := f.batches.Get(vaultAddr, id)
		require.NoError(t, err)
		assert.Equal(t, batch.StateClosed, b.State)
		assert.NotEmpty(t, b.Receiver)

		// Second pass proposes from custody totals.
		require.NoError(t, f.relayer.Tick(ctx))
		proposalID, ok := f.relayer.pending[vaultAddr]
		require.True(t, ok)
		_, err = f.engine.GetProposal(proposalID)
		require.NoError(t, err)

		// Third pass waits out the cooldown, then executes.
		require.NoError(t, f.relayer.Tick(ctx))
		assert.False(t, f.batches.IsSettled(vaultAddr, id), "cooldown still active")

		f.now = f.now.Add(settlement.MinCooldown)
		require.NoError(t, f.relayer.Tick(ctx))
		assert.True(t, f.batches.IsSettled(vaultAddr, id))
		assert.Empty(t, f.relayer.pending)

		// The deposit moved into custody at settlement.
		custody, err := f.adapter.TotalAssets(vaultAddr, assetUSDC)
		require.NoError(t, err)
		assert.True(t, custody.Equal(decimal.NewFromInt(1000)))
	})

	t.Run("should open a fresh batch after settlement", func(t *testing.T) {
		f := newFixture(t)
		first := f.batches.GetOrOpenCurrent(ctx, vaultAddr)

		require.NoError(t, f.relayer.Tick(ctx)) // close
		require.NoError(t, f.relayer.Tick(ctx)) // propose
		f.now = f.now.Add(settlement.MinCooldown)
		require.NoError(t, f.relayer.Tick(ctx)) // execute

		second := f.batches.GetOrOpenCurrent(ctx, vaultAddr)
		assert.Equal(t, first+1, second)
	})

	t.Run("should restart the cadence when its proposal disappears", func(t *testing.T) {
		f := newFixture(t)
		f.batches.GetOrOpenCurrent(ctx, vaultAddr)

		require.NoError(t, f.relayer.Tick(ctx)) // close
		require.NoError(t, f.relayer.Tick(ctx)) // propose
		proposalID := f.relayer.pending[vaultAddr]

		// Someone else executes the proposal out from under the relayer.
		f.now = f.now.Add(settlement.MinCooldown)
		require.NoError(t, f.engine.Execute(ctx, proposalID))

		// The next pass notices the proposal is gone, clears it, and the
		// cadence continues with the next batch.
		require.NoError(t, f.relayer.Tick(ctx))
		assert.NotContains(t, f.relayer.pending, vaultAddr)
	})
}
