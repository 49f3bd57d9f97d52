package views

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
	vaultAddr = "0xvault"
	assetUSDC = "USDC"
)

func newTestService(t *testing.T) (*Service, *ledger.Ledger, *batch.Manager) {
	t.Helper()

	auth := roles.NewService("test-secret", time.Hour)
	pauser := pause.NewSwitch(pause.Config{})
	ledgerSvc := ledger.New(pauser, nil)
	batches := batch.NewManager(batch.Config{Authorizer: auth})
	ktoken := registry.NewInMemoryToken("kUSD")

	vaults := registry.New()
	require.NoError(t, vaults.Register(registry.Vault{
		Address:  vaultAddr,
		Asset:    assetUSDC,
		Decimals: 6,
		Kind:     registry.KindMinter,
	}))

	engine := settlement.NewEngine(settlement.Config{
		Ledger:     ledgerSvc,
		Batches:    batches,
		Vaults:     vaults,
		KToken:     ktoken,
		Adapter:    registry.NewInMemoryAdapter(),
		Authorizer: auth,
		Pauser:     pauser,
	})

	svc := NewService(Config{
		Engine:  engine,
		Batches: batches,
		Ledger:  ledgerSvc,
		Vaults:  vaults,
		KToken:  ktoken,
	})
	return svc, ledgerSvc, batches
}

func TestGetVaultView(t *testing.T) {
	ctx := context.Background()

	t.Run("should build a view for a registered vault", func(t *testing.T) {
		svc, _, batches := newTestService(t)
		opened := batches.GetOrOpenCurrent(ctx, vaultAddr)

		view, err := svc.GetVaultView(ctx, vaultAddr)
		require.NoError(t, err)
		assert.Equal(t, vaultAddr, view.Vault)
		assert.Equal(t, assetUSDC, view.Asset)
		assert.Equal(t, "1000000000000000000", view.SharePrice)
		assert.Equal(t, settlement.DefaultCooldown.String(), view.Cooldown)
		assert.Equal(t, opened, view.CurrentBatchID)
		assert.Equal(t, "open", view.BatchState)
	})

	t.Run("should not open a batch for a fresh vault", func(t *testing.T) {
		svc, _, batches := newTestService(t)

		view, err := svc.GetVaultView(ctx, vaultAddr)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), view.CurrentBatchID)
		assert.Empty(t, view.BatchState)

		// The lifecycle is untouched by the read.
		_, ok := batches.Current(vaultAddr)
		assert.False(t, ok)
	})

	t.Run("should fail for unknown vaults", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		_, err := svc.GetVaultView(ctx, "0xghost")
		assert.ErrorIs(t, err, registry.ErrUnknownVault)
	})

	t.Run("should serve from cache until invalidated", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		first, err := svc.GetVaultView(ctx, vaultAddr)
		require.NoError(t, err)
		cached, err := svc.GetVaultView(ctx, vaultAddr)
		require.NoError(t, err)
		assert.Same(t, first, cached)

		svc.Invalidate(vaultAddr)
		rebuilt, err := svc.GetVaultView(ctx, vaultAddr)
		require.NoError(t, err)
		assert.NotSame(t, first, rebuilt)
	})
}

func TestGetBatchBalances(t *testing.T) {
	ctx := context.Background()

	t.Run("should read live ledger balances", func(t *testing.T) {
		svc, ledgerSvc, _ := newTestService(t)
		require.NoError(t, ledgerSvc.Push(ctx, vaultAddr, assetUSDC, 1, decimal.NewFromInt(250)))

		view, err := svc.GetBatchBalances(vaultAddr, 1)
		require.NoError(t, err)
		assert.Equal(t, "250", view.Deposited)
		assert.Equal(t, "0", view.Requested)
	})

	t.Run("should return zeros for unseen batches", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		view, err := svc.GetBatchBalances(vaultAddr, 42)
		require.NoError(t, err)
		assert.Equal(t, "0", view.Deposited)
	})
}
