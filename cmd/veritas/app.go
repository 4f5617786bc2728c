package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mindburn-Labs/veritas/pkg/api"
	"github.com/Mindburn-Labs/veritas/pkg/config"
	"github.com/Mindburn-Labs/veritas/pkg/control"
	"github.com/Mindburn-Labs/veritas/pkg/gateway"
	"github.com/Mindburn-Labs/veritas/pkg/identity"
	"github.com/Mindburn-Labs/veritas/pkg/ledger"
	"github.com/Mindburn-Labs/veritas/pkg/observability"
	"github.com/Mindburn-Labs/veritas/pkg/operations"
	"github.com/Mindburn-Labs/veritas/pkg/sentinel"
	"github.com/Mindburn-Labs/veritas/pkg/treasury"
	"github.com/Mindburn-Labs/veritas/pkg/wallet"
	"github.com/Mindburn-Labs/veritas/pkg/wallet/vault"

	_ "github.com/lib/pq" // Postgres Driver
)

// app holds the capabilities shared by every command. Nothing here is a
// package-level client; commands build only what they use.
type app struct {
	cfg        *config.Config
	db         *sql.DB
	ledger     ledger.Store
	watcher    ledger.Watcher
	controller *control.Controller
	provider   wallet.Provider
	obs        *observability.Provider
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, obs: observability.Disabled()}

	if cfg.OTelEnabled {
		obs, err := observability.New(ctx, &observability.Config{
			ServiceName:    "veritas",
			ServiceVersion: Version,
			Environment:    cfg.Environment,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     cfg.OTelSampleRate,
			BatchTimeout:   5 * time.Second,
			Enabled:        true,
			Insecure:       cfg.OTelInsecure,
		})
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		a.obs = obs
	}

	var ctrlStore control.Store
	if cfg.LiteMode() {
		db, lg, cs, err := setupLiteMode(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.db, a.ledger, ctrlStore = db, lg, cs
	} else {
		db, lg, cs, err := setupPostgres(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.db, a.ledger, ctrlStore = db, lg, cs
		a.watcher = ledger.NewPostgresWatcher(cfg.DatabaseURL)
	}
	a.controller = control.NewController(ctrlStore, a.ledger, cfg.AgentID(identity.RoleOperator))

	p, err := wallet.New(wallet.Options{
		Kind:       wallet.Kind(cfg.WalletProvider),
		RPCURL:     cfg.RPCURL,
		RPCTimeout: cfg.RPCTimeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.provider = p
	return a, nil
}

func setupPostgres(ctx context.Context, cfg *config.Config) (*sql.DB, ledger.Store, control.Store, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Println("[veritas] postgres: connected")

	lg := ledger.NewPostgresStore(db)
	if err := lg.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("init ledger: %w", err)
	}
	cs := control.NewPostgresStore(db)
	if err := cs.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, fmt.Errorf("init control store: %w", err)
	}
	return db, lg, cs, nil
}

// Close releases the database and flushes telemetry.
func (a *app) Close() {
	if a.obs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.obs.Shutdown(ctx)
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// openWallet restores the treasury wallet from the vault, or creates an
// unpersisted one when no vault is configured.
func (a *app) openWallet(ctx context.Context) (*wallet.Wallet, error) {
	cfg := a.cfg
	if cfg.VaultType == "" {
		log.Println("[veritas] wallet: no vault configured, using an ephemeral wallet")
		return a.provider.CreateWallet(ctx)
	}
	store, err := vault.NewStore(ctx, vault.StoreConfig{
		Type:       vault.StoreType(cfg.VaultType),
		DataDir:    cfg.DataDir,
		S3Bucket:   cfg.VaultBucket,
		S3Region:   cfg.VaultRegion,
		S3Endpoint: cfg.VaultEndpoint,
		S3Prefix:   cfg.VaultPrefix,
		GCSBucket:  cfg.VaultBucket,
		GCSPrefix:  cfg.VaultPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("open vault store: %w", err)
	}
	v, err := vault.New(store, cfg.VaultPassword)
	if err != nil {
		return nil, err
	}
	w, fresh, err := v.Open(ctx, cfg.WalletName, a.provider)
	if err != nil {
		return nil, err
	}
	if fresh {
		log.Printf("[veritas] wallet: created %s", w.Address)
	} else {
		log.Printf("[veritas] wallet: restored %s", w.Address)
	}
	return w, nil
}

func (a *app) treasury(ctx context.Context) (*treasury.Agent, error) {
	w, err := a.openWallet(ctx)
	if err != nil {
		return nil, err
	}
	return treasury.New(a.provider, w, a.ledger, a.cfg.AgentID(identity.RoleTreasury), treasury.Config{
		Asset:      wallet.Asset(a.cfg.Asset),
		FaucetWait: a.cfg.FaucetWait,
	}).WithObservability(a.obs), nil
}

func (a *app) sentinel() (*sentinel.Sentinel, error) {
	cfg := a.cfg
	var detectors []sentinel.Rule
	if cfg.RulesFile != "" {
		rules, err := sentinel.LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		detectors = rules
	}
	if cfg.BurstLimit > 0 {
		detectors = append(detectors, sentinel.PayerBurstRule{Limit: cfg.BurstLimit, Severity: sentinel.SeverityMedium})
	}
	var halt sentinel.Severity
	if cfg.HaltSeverity != "" {
		s, err := sentinel.ParseSeverity(cfg.HaltSeverity)
		if err != nil {
			return nil, err
		}
		halt = s
	}
	s := sentinel.New(a.ledger, a.controller, sentinel.Config{
		AgentID:            cfg.AgentID(identity.RoleSentinel),
		Interval:           cfg.SentinelInterval,
		Window:             cfg.SentinelWindow,
		HighValueThreshold: cfg.SentinelThreshold,
		HaltSeverity:       halt,
	}, detectors...).WithObservability(a.obs)
	if a.watcher != nil {
		s = s.WithWatcher(a.watcher)
	}
	return s, nil
}

func (a *app) gateway(ctx context.Context, reg prometheus.Registerer) (*gateway.Gateway, error) {
	cfg := a.cfg
	gw, err := gateway.New(gateway.Config{
		Price:   cfg.Price,
		PayTo:   cfg.PayTo,
		Asset:   wallet.Asset(cfg.Asset),
		AgentID: cfg.AgentID(identity.RoleGateway),
	}, a.provider, a.ledger)
	if err != nil {
		return nil, err
	}
	gw = gw.WithMetrics(gateway.NewMetrics(reg)).WithObservability(a.obs)

	if cfg.RedisURL != "" {
		client, err := gateway.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		log.Println("[veritas] redemption guard: redis")
		gw = gw.WithGuard(gateway.NewRedisGuard(client, 30*time.Second))
	}
	return gw, nil
}

// dispatcher exposes the closed operation set. The treasury and sentinel
// are built lazily because opening a wallet may touch the vault.
func (a *app) dispatcher(ctx context.Context, op operations.Op) (*operations.Dispatcher, error) {
	deps := operations.Deps{Ledger: a.ledger, Controller: a.controller}
	switch op {
	case operations.OpBalance, operations.OpEnsureFunds, operations.OpPay:
		t, err := a.treasury(ctx)
		if err != nil {
			return nil, err
		}
		deps.Treasury = t
	case operations.OpAudit:
		s, err := a.sentinel()
		if err != nil {
			return nil, err
		}
		deps.Sentinel = s
	}
	return operations.NewDispatcher(deps), nil
}

// idempotency keeps operator request keys next to the ledger.
func (a *app) idempotency(ctx context.Context) (*api.SQLIdempotencyStore, error) {
	s := api.NewPostgresIdempotencyStore(a.db, 24*time.Hour)
	if a.cfg.LiteMode() {
		s = api.NewSQLiteIdempotencyStore(a.db, 24*time.Hour)
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// recordInit appends the INIT_CORE entry that opens every serving session.
func (a *app) recordInit(ctx context.Context) error {
	host, _ := os.Hostname()
	_, err := a.ledger.Append(ctx, ledger.Entry{
		AgentID: a.cfg.AgentID(identity.RoleCore),
		Action:  ledger.ActionInitCore,
		Details: ledger.Details{
			"version": Version,
			"host":    host,
			"pay_to":  a.cfg.PayTo,
			"price":   a.cfg.Price.String(),
			"wallet":  a.cfg.WalletProvider,
		},
	})
	if err != nil {
		return fmt.Errorf("record startup: %w", err)
	}
	return nil
}
