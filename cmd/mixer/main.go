// Command mixer runs the mixing service core as a standalone process:
// storage, the encryption manager, the pool manager, the scheduler, the
// mixing engine, the recovery manager, and a thin ops HTTP surface
// (/healthz, /metrics, /status/{mix_id}), wired together and started as a
// unit. Grounded on cmd/appserver/main.go's flag-then-config-then-connect
// wiring shape and signal-based graceful shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/R3E-Network/mixer/internal/cryptobox"
	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/engine"
	"github.com/R3E-Network/mixer/internal/gateway/simulated"
	"github.com/R3E-Network/mixer/internal/httpapi"
	"github.com/R3E-Network/mixer/internal/idempotency"
	"github.com/R3E-Network/mixer/internal/platform/database"
	"github.com/R3E-Network/mixer/internal/platform/migrations"
	"github.com/R3E-Network/mixer/internal/pool"
	"github.com/R3E-Network/mixer/internal/recovery"
	"github.com/R3E-Network/mixer/internal/scheduler"
	"github.com/R3E-Network/mixer/internal/storage"
	"github.com/R3E-Network/mixer/internal/storage/memory"
	"github.com/R3E-Network/mixer/internal/storage/postgres"
	"github.com/R3E-Network/mixer/internal/system"
	"github.com/R3E-Network/mixer/pkg/config"
	"github.com/R3E-Network/mixer/pkg/logger"
)

var mixCurrencies = []ledger.Currency{ledger.BTC, ledger.ETH, ledger.USDT, ledger.SOL}

func main() {
	addr := flag.String("addr", "", "ops HTTP listen address (overrides config/env; defaults to :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "path to configuration file (overrides CONFIG_FILE env)")
	runMigrations := flag.Bool("migrate", true, "run embedded schema migrations on startup (ignored for in-memory storage)")
	flag.Parse()

	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		os.Setenv("CONFIG_FILE", trimmed)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("mixer: load config: %v", err)
	}
	if trimmed := strings.TrimSpace(*dsn); trimmed != "" {
		cfg.Database.DSN = trimmed
	}

	log0 := logger.New(logger.LoggingConfig{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format,
		Output: cfg.Logging.Output, FilePrefix: cfg.Logging.FilePrefix,
	})

	rootCtx := context.Background()

	var store storage.Store
	var pgStore *postgres.Store
	if strings.TrimSpace(cfg.Database.DSN) != "" {
		db, err := database.Open(rootCtx, cfg.Database)
		if err != nil {
			log0.WithError(err).Fatal("mixer: connect postgres")
		}
		defer db.Close()
		if *runMigrations && cfg.Database.MigrateOnStart {
			if err := migrations.Apply(rootCtx, db.DB); err != nil {
				log0.WithError(err).Fatal("mixer: apply migrations")
			}
		}
		pgStore = postgres.New(db)
		store = pgStore
		log0.Info("mixer: using postgres-backed storage")
	} else {
		store = memory.New()
		log0.Warn("mixer: no DATABASE_DSN configured, using in-memory storage (not durable across restarts)")
	}

	cryptoCfg := cryptobox.Config{
		MasterKey:             cfg.Encryption.MasterKey,
		KeyRotationDays:       cfg.Encryption.KeyRotationDays,
		CompressionEnabled:    cfg.Encryption.CompressionEnabled,
		IntegrityCheckEnabled: cfg.Encryption.IntegrityCheckEnabled,
	}
	if strings.TrimSpace(cryptoCfg.MasterKey) == "" {
		cryptoCfg.MasterKey = devOnlyMasterKey
		log0.Warn("mixer: ENCRYPTION_MASTER_KEY not set, using a fixed development-only key — do not run this in production")
	}
	encMgr, err := cryptobox.New(rootCtx, store, cryptoCfg, logger.NewDefault("cryptobox"))
	if err != nil {
		log0.WithError(err).Fatal("mixer: initialise encryption manager")
	}
	if pgStore != nil {
		pgStore.SetEncryptionManager(encMgr)
	}

	gw := simulated.New()

	var idemGuard idempotency.Guard
	if addrv := strings.TrimSpace(cfg.Scheduler.RedisAddr); addrv != "" {
		client, err := idempotency.Dial(rootCtx, addrv)
		if err != nil {
			log0.WithError(err).Warn("mixer: redis idempotency guard unavailable, falling back to store uniqueness only")
		} else {
			idemGuard = idempotency.NewRedisGuard(client, "mixer:scheduler:")
		}
	}

	poolMgr := pool.New(store, pool.Config{
		MinPoolSize:   ledger.Amount(cfg.Engine.MinPoolSize),
		HighWatermark: ledger.Amount(cfg.Engine.MinPoolSize) * 100,
	}, logger.NewDefault("pool"), nil)

	// The scheduler fires into the engine (DISTRIBUTION-phase payouts) and
	// the engine holds a reference to the scheduler to cancel jobs on
	// failure — a genuine two-way dependency. handlerRef breaks the
	// construction cycle: the scheduler is built first against an empty
	// forwarding handler, then the engine is built and plugged in.
	fwd := &handlerRef{}
	sched := scheduler.New(store, fwd, scheduler.Config{
		PollInterval:  time.Duration(cfg.Scheduler.PollIntervalMs) * time.Millisecond,
		SchedulerSkew: time.Duration(cfg.Scheduler.SchedulerSkewMs) * time.Millisecond,
		Idempotency:   idemGuard,
	}, logger.NewDefault("scheduler"), nil)

	eng := engine.New(store, gw, poolMgr, sched, engine.FromConfig(cfg.Engine), logger.NewDefault("engine"), nil)
	fwd.h = eng

	recoveryMgr := recovery.New(store, recovery.Config{
		IntegrityScanInterval:  time.Duration(cfg.Recovery.IntegrityCheckIntervalMs) * time.Millisecond,
		QuickHealthInterval:    time.Duration(cfg.Recovery.MonitoringIntervalMs) * time.Millisecond,
		MaxInconsistentRecords: cfg.Recovery.MaxInconsistentRecords,
	}, mixCurrencies, logger.NewDefault("recovery"), nil)
	recoveryMgr.WithStaleLockReleaser(poolMgr)

	// poolMgr has no background loop of its own (transactional operations
	// only) and is not registered with the lifecycle manager.
	manager := system.NewManager()
	manager.Register(sched)
	manager.Register(eng)
	manager.Register(recoveryMgr)

	if err := manager.Start(rootCtx); err != nil {
		log0.WithError(err).Fatal("mixer: start core services")
	}

	components := map[string]func() bool{
		"engine":    func() bool { return true },
		"scheduler": func() bool { return true },
		"recovery":  func() bool { return true },
	}
	ops := httpapi.New(eng, components, logger.NewDefault("httpapi"))

	listenAddr := resolveAddr(*addr, cfg)
	httpServer := &http.Server{Addr: listenAddr, Handler: ops.Handler()}
	go func() {
		log0.WithField("addr", listenAddr).Info("mixer: ops surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log0.WithError(err).Error("mixer: ops surface stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log0.Info("mixer: shutdown signal received")

	shutdownTimeout := time.Duration(cfg.Engine.ShutdownTimeoutMs) * time.Millisecond
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log0.WithError(err).Warn("mixer: ops surface shutdown")
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		log0.WithError(err).Fatal("mixer: shutdown core services")
	}
	log0.Info("mixer: shutdown complete")
}

// devOnlyMasterKey is a fixed 32+ byte placeholder used only when the
// operator has not configured encryption.master_key, so a local/dev run
// doesn't require secrets to boot. Never used if ENCRYPTION_MASTER_KEY is set.
const devOnlyMasterKey = "dev-only-insecure-placeholder-key-do-not-use-in-prod"

func resolveAddr(flagAddr string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagAddr); trimmed != "" {
		return trimmed
	}
	if cfg.Server.Port != 0 {
		host := cfg.Server.Host
		if host == "" {
			host = "0.0.0.0"
		}
		return host + ":" + strconv.Itoa(cfg.Server.Port)
	}
	return ":8080"
}

// handlerRef breaks the scheduler<->engine construction cycle: the
// scheduler needs a Handler at construction time, but the engine (the real
// handler) needs the already-constructed scheduler. h is set once, before
// either service is started.
type handlerRef struct{ h scheduler.Handler }

func (r *handlerRef) FireJob(ctx context.Context, tx storage.Store, job storage.SchedulerJob) error {
	if r.h == nil {
		return nil
	}
	return r.h.FireJob(ctx, tx, job)
}
