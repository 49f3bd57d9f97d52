package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kamlabs/kamcore/internal/archive"
	"github.com/kamlabs/kamcore/internal/batch"
	"github.com/kamlabs/kamcore/internal/claims"
	"github.com/kamlabs/kamcore/internal/ledger"
	"github.com/kamlabs/kamcore/internal/monitor"
	"github.com/kamlabs/kamcore/internal/registry"
	"github.com/kamlabs/kamcore/internal/relayer"
	"github.com/kamlabs/kamcore/internal/roles"
	"github.com/kamlabs/kamcore/internal/router"
	"github.com/kamlabs/kamcore/internal/settlement"
	"github.com/kamlabs/kamcore/internal/views"
	"github.com/kamlabs/kamcore/pkg/messaging"
	"github.com/kamlabs/kamcore/pkg/pause"
)

type config struct {
	Port      string
	NATSUrl   string
	RedisURL  string
	DBUrl     string
	JWTSecret string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	VaultAddress string
	VaultAsset   string
	VaultKind    string
	FeeRecipient string

	AdminAddress     string
	RelayerAddress   string
	GuardianAddress  string
	EmergencyAddress string

	Cooldown        time.Duration
	BackingDrift    decimal.Decimal
	RateLimitMax    int
	RateLimitWindow time.Duration
}

func loadConfig() *config {
	return &config{
		Port:      getEnv("PORT", "8080"),
		NATSUrl:   getEnv("NATS_URL", "nats://localhost:4222"),
		RedisURL:  os.Getenv("REDIS_URL"),
		DBUrl:     os.Getenv("DATABASE_URL"),
		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),

		InfluxURL:    os.Getenv("INFLUX_URL"),
		InfluxToken:  os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:    getEnv("INFLUX_ORG", "kamcore"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "settlement"),

		VaultAddress: getEnv("VAULT_ADDRESS", "0xvault0"),
		VaultAsset:   getEnv("VAULT_ASSET", "USDC"),
		VaultKind:    getEnv("VAULT_KIND", "minter"),
		FeeRecipient: os.Getenv("FEE_RECIPIENT"),

		AdminAddress:     getEnv("ADMIN_ADDRESS", "0xadmin"),
		RelayerAddress:   getEnv("RELAYER_ADDRESS", "0xrelayer"),
		GuardianAddress:  getEnv("GUARDIAN_ADDRESS", "0xguardian"),
		EmergencyAddress: getEnv("EMERGENCY_ADDRESS", "0xemergency"),

		Cooldown:        getEnvDuration("SETTLEMENT_COOLDOWN", settlement.DefaultCooldown),
		BackingDrift:    getEnvDecimal("BACKING_DRIFT_TOLERANCE", decimal.NewFromInt(1)),
		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 600),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
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

func getEnvDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func main() {
	cfg := loadConfig()

	msgClient, err := messaging.NewClient(cfg.NATSUrl, messaging.ClientOptions{
		Name:           "routerd",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer msgClient.Close()

	pauser := pause.NewSwitch(pause.Config{})
	authSvc := roles.NewService(cfg.JWTSecret, 24*time.Hour)
	authSvc.Grant(cfg.AdminAddress, roles.Admin)
	authSvc.Grant(cfg.RelayerAddress, roles.Relayer)
	authSvc.Grant(cfg.GuardianAddress, roles.Guardian)
	authSvc.Grant(cfg.EmergencyAddress, roles.EmergencyAdmin)

	vaults := registry.New()
	ktoken := registry.NewInMemoryToken("kToken")
	shareToken := registry.NewInMemoryToken("stkToken")
	adapter := registry.NewInMemoryAdapter()

	kind := registry.KindMinter
	if cfg.VaultKind == "staking" {
		kind = registry.KindStaking
	}
	if err := vaults.Register(registry.Vault{
		Address:      cfg.VaultAddress,
		Asset:        cfg.VaultAsset,
		Decimals:     18,
		FeeRecipient: cfg.FeeRecipient,
		Kind:         kind,
		ShareToken:   shareToken,
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
		Cooldown:   cfg.Cooldown,
	})
	processor := claims.NewProcessor(claims.Config{
		Ledger:    ledgerSvc,
		Batches:   batches,
		Vaults:    vaults,
		KToken:    ktoken,
		Pauser:    pauser,
		Messaging: msgClient,
	})
	viewSvc := views.NewService(views.Config{
		Engine:   engine,
		Batches:  batches,
		Ledger:   ledgerSvc,
		Vaults:   vaults,
		KToken:   ktoken,
		RedisURL: cfg.RedisURL,
	})
	if err := viewSvc.SubscribeInvalidation(msgClient); err != nil {
		log.Fatalf("Failed to subscribe view invalidation: %v", err)
	}

	if cfg.DBUrl != "" {
		store, err := archive.NewStore(cfg.DBUrl)
		if err != nil {
			log.Fatalf("Failed to open archive: %v", err)
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := store.InitSchema(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to init archive schema: %v", err)
		}
		cancel()

		if err := store.Subscribe(msgClient, func(err error) {
			log.Printf("archive: %v", err)
		}); err != nil {
			log.Fatalf("Failed to subscribe archive: %v", err)
		}
	}

	mon := monitor.New(monitor.Config{
		Vaults:       vaults,
		KToken:       ktoken,
		Adapter:      adapter,
		Messaging:    msgClient,
		Tolerance:    cfg.BackingDrift,
		InfluxURL:    cfg.InfluxURL,
		InfluxToken:  cfg.InfluxToken,
		InfluxOrg:    cfg.InfluxOrg,
		InfluxBucket: cfg.InfluxBucket,
	})
	monCtx, monCancel := context.WithCancel(context.Background())
	defer monCancel()
	if err := mon.Start(monCtx); err != nil {
		log.Fatalf("Failed to start monitor: %v", err)
	}

	if os.Getenv("RELAYER_ENABLED") == "true" {
		rly, err := relayer.New(relayer.Config{
			Identity: cfg.RelayerAddress,
			Interval: getEnvDuration("BATCH_INTERVAL", time.Minute),
			Engine:   engine,
			Batches:  batches,
			Ledger:   ledgerSvc,
			Vaults:   vaults,
			Adapter:  adapter,
		})
		if err != nil {
			log.Fatalf("Failed to create relayer: %v", err)
		}
		defer rly.Close()
		go func() {
			if err := rly.Run(monCtx); err != nil && err != context.Canceled {
				log.Printf("relayer stopped: %v", err)
			}
		}()
	}

	api := router.New(router.Config{
		Settlement:      engine,
		Batches:         batches,
		Claims:          processor,
		Ledger:          ledgerSvc,
		Vaults:          vaults,
		Views:           viewSvc,
		Auth:            authSvc,
		Pauser:          pauser,
		Messaging:       msgClient,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	})

	go func() {
		log.Printf("routerd starting on port %s", cfg.Port)
		if err := api.Start(":" + cfg.Port); err != nil {
			log.Fatalf("Failed to start router: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down routerd...")
	mon.Stop()
	msgClient.Drain()
	log.Println("routerd stopped")
}
