package relayer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"golang.org/x/sync/errgroup"

	"github.com/kamlabs/kamcore/internal/batch"
	"github.com/kamlabs/kamcore/internal/ledger"
	"github.com/kamlabs/kamcore/internal/registry"
	"github.com/kamlabs/kamcore/internal/settlement"
	"github.com/kamlabs/kamcore/pkg/amount"
)

const lockPrefix = "/kamcore/relayer/"

// Relayer drives the batch cadence: it closes each vault's open batch on an
// interval, creates the batch receiver, proposes settlement from custody
// totals, and executes proposals once their cooldown passes. An etcd mutex
// keeps the cadence single-writer when several relayer instances run.
type Relayer struct {
	identity string
	interval time.Duration

	engine    *settlement.Engine
	batches   *batch.Manager
	ledgerSvc *ledger.Ledger
	vaults    *registry.Registry
	adapter   registry.Adapter

	etcd *clientv3.Client

	pendingMu sync.Mutex
	pending   map[string]string // vault -> live proposal id
}

// Config holds relayer dependencies. Identity is the caller address the
// relayer acts as; it must hold the Relayer role. EtcdEndpoints may be
// empty for single-instance deployments.
type Config struct {
	Identity      string
	Interval      time.Duration
	Engine        *settlement.Engine
	Batches       *batch.Manager
	Ledger        *ledger.Ledger
	Vaults        *registry.Registry
	Adapter       registry.Adapter
	EtcdEndpoints []string
}

// New creates a relayer.
func New(cfg Config) (*Relayer, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	r := &Relayer{
		identity:  cfg.Identity,
		interval:  cfg.Interval,
		engine:    cfg.Engine,
		batches:   cfg.Batches,
		ledgerSvc: cfg.Ledger,
		vaults:    cfg.Vaults,
		adapter:   cfg.Adapter,
		pending:   make(map[string]string),
	}

	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		r.etcd = cli
	}

	return r, nil
}

// Run ticks until the context is cancelled. Each tick processes all
// registered vaults concurrently.
func (r *Relayer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				log.Printf("relayer tick: %v", err)
			}
		}
	}
}

// Tick runs one cadence pass over every vault, under the distributed lock
// when etcd is configured.
func (r *Relayer) Tick(ctx context.Context) error {
	unlock, err := r.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, vaultAddr := range r.vaults.Vaults() {
		vaultAddr := vaultAddr
		g.Go(func() error {
			return r.processVault(gctx, vaultAddr)
		})
	}
	return g.Wait()
}

func (r *Relayer) lock(ctx context.Context) (func(), error) {
	if r.etcd == nil {
		return func() {}, nil
	}

	session, err := concurrency.NewSession(r.etcd, concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	mutex := concurrency.NewMutex(session, lockPrefix+"cadence")
	if err := mutex.Lock(ctx); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to acquire relayer lock: %w", err)
	}

	return func() {
		mutex.Unlock(context.Background())
		session.Close()
	}, nil
}

// processVault advances one vault through the cadence: execute a ripe
// proposal, otherwise propose for a closed batch, otherwise close the open
// batch.
func (r *Relayer) processVault(ctx context.Context, vaultAddr string) error {
	r.pendingMu.Lock()
	id, ok := r.pending[vaultAddr]
	r.pendingMu.Unlock()
	if ok {
		if done, err := r.executePending(ctx, vaultAddr, id); done || err != nil {
			return err
		}
		return nil
	}

	batchID := r.batches.GetOrOpenCurrent(ctx, vaultAddr)
	b, err := r.batches.Get(vaultAddr, batchID)
	if err != nil {
		return err
	}

	switch b.State {
	case batch.StateOpen:
		return r.closeBatch(ctx, vaultAddr, batchID)
	case batch.StateClosed:
		return r.propose(ctx, vaultAddr, b)
	default:
		return nil
	}
}

func (r *Relayer) closeBatch(ctx context.Context, vaultAddr string, batchID uint64) error {
	if err := r.batches.Close(ctx, r.identity, vaultAddr, batchID); err != nil {
		return fmt.Errorf("failed to close batch %d for %s: %w", batchID, vaultAddr, err)
	}
	if _, err := r.batches.CreateReceiver(r.identity, vaultAddr, batchID); err != nil {
		return fmt.Errorf("failed to create receiver for batch %d: %w", batchID, err)
	}
	log.Printf("closed batch %d for vault %s", batchID, vaultAddr)
	return nil
}

// propose builds a settlement proposal from the custody totals. Yield is the
// difference between the adapter's current total and the total recorded at
// the last settlement; netting offsets batch inflow against outflow so only
// the difference moves through custody.
func (r *Relayer) propose(ctx context.Context, vaultAddr string, b batch.Batch) error {
	vault, err := r.vaults.Get(vaultAddr)
	if err != nil {
		return err
	}

	totalAssets, err := r.adapter.TotalAssets(vault.Address, vault.Asset)
	if err != nil {
		return fmt.Errorf("failed to read custody total for %s: %w", vaultAddr, err)
	}

	lastTotal := r.engine.LastTotalAssets(vaultAddr)
	yield := totalAssets.Sub(lastTotal)
	profit := !yield.IsNegative()

	_, requestedAssets := r.ledgerSvc.Balances(vaultAddr, vault.Asset, b.ID)
	totalOut := requestedAssets
	if b.TotalRequestedShares.IsPositive() {
		price := amount.SharePrice(totalAssets, supplyOf(vault))
		totalOut = totalOut.Add(amount.AssetsFor(b.TotalRequestedShares, price))
	}

	netted := decimal.Min(b.TotalDeposited, totalOut)

	proposalID, err := r.engine.Propose(ctx, r.identity, vaultAddr, vault.Asset, b.ID,
		totalAssets, netted, yield.Abs(), profit)
	if err != nil {
		return fmt.Errorf("failed to propose settlement for batch %d: %w", b.ID, err)
	}

	r.pendingMu.Lock()
	r.pending[vaultAddr] = proposalID
	r.pendingMu.Unlock()
	log.Printf("proposed settlement %s for vault %s batch %d", proposalID, vaultAddr, b.ID)
	return nil
}

func (r *Relayer) executePending(ctx context.Context, vaultAddr, proposalID string) (bool, error) {
	ok, reason := r.engine.CanExecute(proposalID)
	if !ok {
		if reason == settlement.ReasonNotFound {
			// Cancelled out from under us; restart the cadence.
			r.pendingMu.Lock()
			delete(r.pending, vaultAddr)
			r.pendingMu.Unlock()
		}
		return false, nil
	}

	if err := r.engine.Execute(ctx, proposalID); err != nil {
		return false, fmt.Errorf("failed to execute settlement %s: %w", proposalID, err)
	}

	r.pendingMu.Lock()
	delete(r.pending, vaultAddr)
	r.pendingMu.Unlock()
	log.Printf("executed settlement %s for vault %s", proposalID, vaultAddr)
	return true, nil
}

// Close releases the etcd client.
func (r *Relayer) Close() error {
	if r.etcd != nil {
		return r.etcd.Close()
	}
	return nil
}

func supplyOf(v registry.Vault) decimal.Decimal {
	if v.ShareToken == nil {
		return decimal.Zero
	}
	return v.ShareToken.TotalSupply()
}
