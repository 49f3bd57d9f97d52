package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/kamlabs/kamcore/internal/registry"
	"github.com/kamlabs/kamcore/pkg/messaging"
)

// Monitor watches the settlement event stream and checks the backing
// invariant: kToken supply must stay within tolerance of the custodied
// asset total. Drift raises an alert event and a metric point.
type Monitor struct {
	vaults    *registry.Registry
	ktoken    registry.Token
	adapter   registry.Adapter
	msg       *messaging.Client
	tolerance decimal.Decimal

	writeAPI api.WriteAPIBlocking
	influx   influxdb2.Client

	checkCh chan string
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Config holds monitor dependencies. Tolerance is an absolute asset amount;
// InfluxURL may be empty to disable metrics.
type Config struct {
	Vaults    *registry.Registry
	KToken    registry.Token
	Adapter   registry.Adapter
	Messaging *messaging.Client
	Tolerance decimal.Decimal

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

// New creates a monitor.
func New(cfg Config) *Monitor {
	m := &Monitor{
		vaults:    cfg.Vaults,
		ktoken:    cfg.KToken,
		adapter:   cfg.Adapter,
		msg:       cfg.Messaging,
		tolerance: cfg.Tolerance,
		checkCh:   make(chan string, 64),
		stopCh:    make(chan struct{}),
	}

	if cfg.InfluxURL != "" {
		m.influx = influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
		m.writeAPI = m.influx.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket)
	}

	return m
}

// Start subscribes to settlement events and runs the check loop until the
// context is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	subjects := []string{
		messaging.EventTypeBatchSettled,
		messaging.EventTypeProposalExecuted,
		messaging.EventTypeLedgerPush,
		messaging.EventTypeLedgerPull,
	}
	for _, subject := range subjects {
		if err := m.msg.Subscribe(subject, m.enqueue); err != nil {
			return err
		}
	}

	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

func (m *Monitor) enqueue(msg *nats.Msg) {
	var evt struct {
		Vault string `json:"vault"`
	}
	if json.Unmarshal(msg.Data, &evt) != nil || evt.Vault == "" {
		return
	}

	select {
	case m.checkCh <- evt.Vault:
	default:
		// Queue full; the vault will be rechecked on its next event.
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case vault := <-m.checkCh:
			m.CheckVault(ctx, vault)
		}
	}
}

// CheckVault runs the backing check for one vault and reports the result.
// Safe to call directly, outside the event loop.
func (m *Monitor) CheckVault(ctx context.Context, vaultAddr string) {
	vault, err := m.vaults.Get(vaultAddr)
	if err != nil {
		return
	}
	if vault.Kind != registry.KindMinter {
		return
	}

	totalAssets, err := m.adapter.TotalAssets(vault.Address, vault.Asset)
	if err != nil {
		return
	}
	supply := m.ktoken.TotalSupply()
	drift := supply.Sub(totalAssets).Abs()

	m.writePoint(ctx, vault, supply, totalAssets, drift)

	if drift.GreaterThan(m.tolerance) {
		m.msg.Publish(ctx, messaging.EventTypeBackingAlert, messaging.BackingAlertEvent{
			Vault:       vault.Address,
			Asset:       vault.Asset,
			TotalSupply: supply.String(),
			TotalAssets: totalAssets.String(),
			Drift:       drift.String(),
			Tolerance:   m.tolerance.String(),
		})
	}
}

func (m *Monitor) writePoint(ctx context.Context, vault registry.Vault, supply, totalAssets, drift decimal.Decimal) {
	if m.writeAPI == nil {
		return
	}

	p := write.NewPoint("vault_backing",
		map[string]string{
			"vault": vault.Address,
			"asset": vault.Asset,
		},
		map[string]interface{}{
			"total_supply": supply.InexactFloat64(),
			"total_assets": totalAssets.InexactFloat64(),
			"drift":        drift.InexactFloat64(),
		},
		time.Now(),
	)
	m.writeAPI.WritePoint(ctx, p)
}

// Stop shuts the check loop down and flushes the metrics client.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	if m.influx != nil {
		m.influx.Close()
	}
}
