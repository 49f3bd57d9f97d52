package batch

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamlabs/kamcore/internal/roles"
)

const (
	vault   = "0xvault"
	relayer = "0xrelayer"
)

type staticAuth map[string]roles.Role

func (a staticAuth) IsAuthorized(role roles.Role, caller string) bool {
	return a[caller]&role != 0
}

func newTestManager() *Manager {
	return NewManager(Config{
		Authorizer: staticAuth{relayer: roles.Relayer},
		Now:        func() time.Time { return time.Unix(1700000000, 0) },
	})
}

func TestGetOrOpenCurrent(t *testing.T) {
	ctx := context.Background()

	t.Run("should open the first batch with id 1", func(t *testing.T) {
		m := newTestManager()
		assert.Equal(t, uint64(1), m.GetOrOpenCurrent(ctx, vault))
	})

	t.Run("should return the same open batch on repeat calls", func(t *testing.T) {
		m := newTestManager()
		id := m.GetOrOpenCurrent(ctx, vault)
		assert.Equal(t, id, m.GetOrOpenCurrent(ctx, vault))
	})

	t.Run("should open sequential ids after close", func(t *testing.T) {
		m := newTestManager()
		first := m.GetOrOpenCurrent(ctx, vault)
		require.NoError(t, m.Close(ctx, relayer, vault, first))

		second := m.GetOrOpenCurrent(ctx, vault)
		assert.Equal(t, first+1, second)
	})

	t.Run("should track ids per vault independently", func(t *testing.T) {
		m := newTestManager()
		assert.Equal(t, uint64(1), m.GetOrOpenCurrent(ctx, "0xvault-a"))
		assert.Equal(t, uint64(1), m.GetOrOpenCurrent(ctx, "0xvault-b"))
	})
}

func TestCurrent(t *testing.T) {
	ctx := context.Background()

	t.Run("should report no batch for an untouched vault", func(t *testing.T) {
		m := newTestManager()

		_, ok := m.Current(vault)
		assert.False(t, ok)

		// The read must not have opened anything.
		_, ok = m.Current(vault)
		assert.False(t, ok)
	})

	t.Run("should return the open batch", func(t *testing.T) {
		m := newTestManager()
		opened := m.GetOrOpenCurrent(ctx, vault)

		id, ok := m.Current(vault)
		assert.True(t, ok)
		assert.Equal(t, opened, id)
	})

	t.Run("should fall back to the last issued id after close", func(t *testing.T) {
		m := newTestManager()
		opened := m.GetOrOpenCurrent(ctx, vault)
		require.NoError(t, m.Close(ctx, relayer, vault, opened))

		id, ok := m.Current(vault)
		assert.True(t, ok)
		assert.Equal(t, opened, id)
	})
}

func TestClose(t *testing.T) {
	ctx := context.Background()

	t.Run("should require the relayer role", func(t *testing.T) {
		m := newTestManager()
		id := m.GetOrOpenCurrent(ctx, vault)

		assert.ErrorIs(t, m.Close(ctx, "0xrandom", vault, id), roles.ErrWrongRole)
	})

	t.Run("should freeze aggregates at close", func(t *testing.T) {
		m := newTestManager()
		id := m.GetOrOpenCurrent(ctx, vault)
		require.NoError(t, m.RecordDeposit(vault, id, decimal.NewFromInt(500)))
		require.NoError(t, m.Close(ctx, relayer, vault, id))

		assert.ErrorIs(t, m.RecordDeposit(vault, id, decimal.NewFromInt(1)), ErrBatchNotOpen)
		assert.ErrorIs(t, m.RecordRequestedShares(vault, id, decimal.NewFromInt(1)), ErrBatchNotOpen)

		b, err := m.Get(vault, id)
		require.NoError(t, err)
		assert.Equal(t, StateClosed, b.State)
		assert.True(t, b.TotalDeposited.Equal(decimal.NewFromInt(500)))
	})

	t.Run("should fail loudly on double close", func(t *testing.T) {
		m := newTestManager()
		id := m.GetOrOpenCurrent(ctx, vault)
		require.NoError(t, m.Close(ctx, relayer, vault, id))

		assert.ErrorIs(t, m.Close(ctx, relayer, vault, id), ErrBatchAlreadyClosed)
	})

	t.Run("should fail on unknown batch", func(t *testing.T) {
		m := newTestManager()
		assert.ErrorIs(t, m.Close(ctx, relayer, vault, 42), ErrBatchNotFound)
	})
}

func TestCreateReceiver(t *testing.T) {
	ctx := context.Background()

	t.Run("should be deterministic and idempotent", func(t *testing.T) {
		m := newTestManager()
		id := m.GetOrOpenCurrent(ctx, vault)
		require.NoError(t, m.Close(ctx, relayer, vault, id))

		addr1, err := m.CreateReceiver(relayer, vault, id)
		require.NoError(t, err)
		addr2, err := m.CreateReceiver(relayer, vault, id)
		require.NoError(t, err)

		assert.Equal(t, addr1, addr2)
		assert.Contains(t, addr1, "0x")

		recv, err := m.Receiver(addr1)
		require.NoError(t, err)
		assert.Equal(t, vault, recv.Vault)
		assert.Equal(t, id, recv.BatchID)
	})

	t.Run("should require the relayer role", func(t *testing.T) {
		m := newTestManager()
		id := m.GetOrOpenCurrent(ctx, vault)

		_, err := m.CreateReceiver("0xrandom", vault, id)
		assert.ErrorIs(t, err, roles.ErrWrongRole)
	})

	t.Run("should not find unknown receivers", func(t *testing.T) {
		m := newTestManager()
		_, err := m.Receiver("0xnowhere")
		assert.ErrorIs(t, err, ErrReceiverNotFound)
	})
}

func TestMarkSettled(t *testing.T) {
	ctx := context.Background()
	price := decimal.New(1, 18)

	t.Run("should settle a closed batch", func(t *testing.T) {
		m := newTestManager()
		id := m.GetOrOpenCurrent(ctx, vault)
		require.NoError(t, m.Close(ctx, relayer, vault, id))
		require.NoError(t, m.MarkSettled(ctx, vault, id, price, decimal.NewFromInt(1000)))

		b, err := m.Get(vault, id)
		require.NoError(t, err)
		assert.Equal(t, StateSettled, b.State)
		assert.True(t, b.SettledPrice.Equal(price))
		assert.True(t, m.IsSettled(vault, id))
	})

	t.Run("should refuse to settle an open batch", func(t *testing.T) {
		m := newTestManager()
		id := m.GetOrOpenCurrent(ctx, vault)

		assert.ErrorIs(t, m.MarkSettled(ctx, vault, id, price, decimal.Zero), ErrBatchNotClosed)
	})

	t.Run("should refuse to settle twice", func(t *testing.T) {
		m := newTestManager()
		id := m.GetOrOpenCurrent(ctx, vault)
		require.NoError(t, m.Close(ctx, relayer, vault, id))
		require.NoError(t, m.MarkSettled(ctx, vault, id, price, decimal.Zero))

		assert.ErrorIs(t, m.MarkSettled(ctx, vault, id, price, decimal.Zero), ErrBatchNotClosed)
	})

	t.Run("should not report unknown batches as settled", func(t *testing.T) {
		m := newTestManager()
		assert.False(t, m.IsSettled(vault, 9))
	})
}

func TestReceiverEscrow(t *testing.T) {
	t.Run("should pay out up to the funded balance", func(t *testing.T) {
		r := NewReceiver("0xrecv", vault, 1)
		r.Fund(decimal.NewFromInt(100))

		require.NoError(t, r.Withdraw(decimal.NewFromInt(60)))
		assert.ErrorIs(t, r.Withdraw(decimal.NewFromInt(41)), ErrInsufficientBalance)
		assert.True(t, r.Balance().Equal(decimal.NewFromInt(40)))
	})

	t.Run("should burn only escrowed shares", func(t *testing.T) {
		r := NewReceiver("0xrecv", vault, 1)
		r.EscrowShares(decimal.NewFromInt(10))

		require.NoError(t, r.BurnShares(decimal.NewFromInt(10)))
		assert.ErrorIs(t, r.BurnShares(decimal.NewFromInt(1)), ErrInsufficientBalance)
	})
}
