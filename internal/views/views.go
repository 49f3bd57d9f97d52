package views

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/kamlabs/kamcore/internal/batch"
	"github.com/kamlabs/kamcore/internal/ledger"
	"github.com/kamlabs/kamcore/internal/registry"
	"github.com/kamlabs/kamcore/internal/settlement"
	"github.com/kamlabs/kamcore/pkg/messaging"
)

const cacheTTL = 30 * time.Second

// VaultView is the read-model snapshot served to API consumers. All money
// fields are decimal strings.
type VaultView struct {
	Vault          string    `json:"vault"`
	Asset          string    `json:"asset"`
	SharePrice     string    `json:"share_price"`
	TotalAssets    string    `json:"total_assets"`
	TotalSupply    string    `json:"total_supply"`
	CurrentBatchID uint64    `json:"current_batch_id"`
	BatchState     string    `json:"batch_state"`
	TotalDeposited string    `json:"total_deposited"`
	Cooldown       string    `json:"cooldown"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BatchBalanceView exposes the virtual balances of one (vault, asset, batch)
// tuple.
type BatchBalanceView struct {
	Vault     string `json:"vault"`
	Asset     string `json:"asset"`
	BatchID   uint64 `json:"batch_id"`
	Deposited string `json:"deposited"`
	Requested string `json:"requested"`
}

// Service builds vault views from the live core state and caches them in
// redis plus a local map. Settlement events invalidate the cache.
type Service struct {
	engine    *settlement.Engine
	batches   *batch.Manager
	ledgerSvc *ledger.Ledger
	vaults    *registry.Registry
	ktoken    registry.Token

	rdb     *redis.Client
	cache   map[string]*VaultView
	cacheMu sync.RWMutex
}

// Config holds view service dependencies. RedisURL may be empty; the
// service then runs on the local cache alone.
type Config struct {
	Engine   *settlement.Engine
	Batches  *batch.Manager
	Ledger   *ledger.Ledger
	Vaults   *registry.Registry
	KToken   registry.Token
	RedisURL string
}

// NewService creates a view service.
func NewService(cfg Config) *Service {
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.RedisURL,
		})
	}

	return &Service{
		engine:    cfg.Engine,
		batches:   cfg.Batches,
		ledgerSvc: cfg.Ledger,
		vaults:    cfg.Vaults,
		ktoken:    cfg.KToken,
		rdb:       rdb,
		cache:     make(map[string]*VaultView),
	}
}

// GetVaultView returns the cached view for a vault, rebuilding it on a miss.
func (s *Service) GetVaultView(ctx context.Context, vaultAddr string) (*VaultView, error) {
	s.cacheMu.RLock()
	if cached, ok := s.cache[vaultAddr]; ok {
		s.cacheMu.RUnlock()
		return cached, nil
	}
	s.cacheMu.RUnlock()

	if s.rdb != nil {
		cached, err := s.rdb.Get(ctx, cacheKey(vaultAddr)).Result()
		if err == nil {
			var view VaultView
			if json.Unmarshal([]byte(cached), &view) == nil {
				return &view, nil
			}
		}
	}

	view, err := s.buildView(ctx, vaultAddr)
	if err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	s.cache[vaultAddr] = view
	s.cacheMu.Unlock()

	if s.rdb != nil {
		viewJSON, _ := json.Marshal(view)
		s.rdb.Set(ctx, cacheKey(vaultAddr), viewJSON, cacheTTL)
	}

	return view, nil
}

func (s *Service) buildView(ctx context.Context, vaultAddr string) (*VaultView, error) {
	vault, err := s.vaults.Get(vaultAddr)
	if err != nil {
		return nil, err
	}

	view := &VaultView{
		Vault:     vault.Address,
		Asset:     vault.Asset,
		Cooldown:  s.engine.Cooldown().String(),
		UpdatedAt: time.Now(),
	}

	price, err := s.engine.SharePrice(vaultAddr)
	if err != nil {
		return nil, err
	}
	view.SharePrice = price.String()
	view.TotalAssets = s.engine.LastTotalAssets(vaultAddr).String()

	switch vault.Kind {
	case registry.KindMinter:
		view.TotalSupply = s.ktoken.TotalSupply().String()
	case registry.KindStaking:
		if vault.ShareToken != nil {
			view.TotalSupply = vault.ShareToken.TotalSupply().String()
		}
	}

	// Read-only lookup: building a view must not open a batch.
	if batchID, ok := s.batches.Current(vaultAddr); ok {
		view.CurrentBatchID = batchID
		if b, err := s.batches.Get(vaultAddr, batchID); err == nil {
			view.BatchState = b.State.String()
			view.TotalDeposited = b.TotalDeposited.String()
		}
	}

	return view, nil
}

// GetBatchBalances returns the virtual balances for a batch. Reads go
// straight to the ledger; these change on every push and are not worth
// caching.
func (s *Service) GetBatchBalances(vaultAddr string, batchID uint64) (*BatchBalanceView, error) {
	vault, err := s.vaults.Get(vaultAddr)
	if err != nil {
		return nil, err
	}

	deposited, requested := s.ledgerSvc.Balances(vaultAddr, vault.Asset, batchID)
	return &BatchBalanceView{
		Vault:     vaultAddr,
		Asset:     vault.Asset,
		BatchID:   batchID,
		Deposited: deposited.String(),
		Requested: requested.String(),
	}, nil
}

// Invalidate drops the cached view for a vault.
func (s *Service) Invalidate(vaultAddr string) {
	s.cacheMu.Lock()
	delete(s.cache, vaultAddr)
	s.cacheMu.Unlock()

	if s.rdb != nil {
		ctx := context.Background()
		s.rdb.Del(ctx, cacheKey(vaultAddr))
	}
}

// SubscribeInvalidation wires cache invalidation to the settlement event
// stream so views refresh after every state transition.
func (s *Service) SubscribeInvalidation(msg *messaging.Client) error {
	subjects := []string{
		messaging.EventTypeBatchClosed,
		messaging.EventTypeBatchSettled,
		messaging.EventTypeProposalExecuted,
	}
	for _, subject := range subjects {
		err := msg.Subscribe(subject, func(m *nats.Msg) {
			var evt struct {
				Vault string `json:"vault"`
			}
			if json.Unmarshal(m.Data, &evt) == nil && evt.Vault != "" {
				s.Invalidate(evt.Vault)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", subject, err)
		}
	}
	return nil
}

func cacheKey(vault string) string {
	return "vaultview:" + vault
}
