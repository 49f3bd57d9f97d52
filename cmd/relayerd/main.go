package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kamlabs/kamcore/internal/batch"
	"github.com/kamlabs/kamcore/internal/ledger"
	"github.com/kamlabs/kamcore/internal/registry"
	"github.com/kamlabs/kamcore/internal/relayer"
	"github.com/kamlabs/kamcore/internal/roles"
	"github.com/kamlabs/kamcore/internal/settlement"
	"github.com/kamlabs/kamcore/pkg/messaging"
	"github.com/kamlabs/kamcore/pkg/pause"
)

func main() {
	natsURL := getEnv("NATS_URL", "nats://localhost:4222")
	identity := getEnv("RELAYER_ADDRESS", "0xrelayer")
	interval := getEnvDuration("BATCH_INTERVAL", time.Minute)
	cooldown := getEnvDuration("SETTLEMENT_COOLDOWN", settlement.DefaultCooldown)
	vaultAddress := getEnv("VAULT_ADDRESS", "0xvault0")
	vaultAsset := getEnv("VAULT_ASSET", "USDC")

	var etcdEndpoints []string
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		etcdEndpoints = strings.Split(v, ",")
	}

	msgClient, err := messaging.NewClient(natsURL, messaging.ClientOptions{
		Name:           "relayerd",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer msgClient.Close()

	pauser := pause.NewSwitch(pause.Config{})
	authSvc := roles.NewService(getEnv("JWT_SECRET", "dev-secret"), 24*time.Hour)
	authSvc.Grant(identity, roles.Relayer)

	vaults := registry.New()
	ktoken := registry.NewInMemoryToken("kToken")
	shareToken := registry.NewInMemoryToken("stkToken")
	adapter := registry.NewInMemoryAdapter()

	if err := vaults.Register(registry.Vault{
		Address:    vaultAddress,
		Asset:      vaultAsset,
		Decimals:   18,
		Kind:       registry.KindMinter,
		ShareToken: shareToken,
	}); err != nil {
		log.Fatalf("Failed to register vault: %v", err)
	}

	ledgerSvc := ledger.New(pauser, msgClient)
	batches := batch.NewManager(batch.Config{
		Authorizer: authSvc,
		Messaging:  msgClient,
	})
	engine := settlement.NewEngine(settlement.Config{
		Ledger:     ledgerSvc,
		Batches:    batches,
		Vaults:     vaults,
		KToken:     ktoken,
		Adapter:    adapter,
		Authorizer: authSvc,
		Pauser:     pauser,
		Messaging:  msgClient,
		Cooldown:   cooldown,
	})

	r, err := relayer.New(relayer.Config{
		Identity:      identity,
		Interval:      interval,
		Engine:        engine,
		Batches:       batches,
		Ledger:        ledgerSvc,
		Vaults:        vaults,
		Adapter:       adapter,
		EtcdEndpoints: etcdEndpoints,
	})
	if err != nil {
		log.Fatalf("Failed to create relayer: %v", err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		log.Printf("relayerd starting, interval %s", interval)
		if err := r.Run(ctx); err != nil && err != context.Canceled {
			log.Fatalf("Relayer stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down relayerd...")
	cancel()
	msgClient.Drain()
	log.Println("relayerd stopped")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
