package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/mixer/internal/core"
	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/storage"
	"github.com/R3E-Network/mixer/internal/system"
	"github.com/R3E-Network/mixer/pkg/logger"
)

// Config carries the scan cadences and thresholds spec.md §4.4 names.
type Config struct {
	IntegrityScanInterval time.Duration // default 1h
	QuickHealthInterval   time.Duration // default 5m
	AnomalousBalanceHigh  ledger.Amount // threshold for BALANCE_MISMATCH anomalous-high
	MixingIdleTimeout     time.Duration // default 2h
	DepositUnconfirmedMax time.Duration // default 24h
	UnusedAddressMax      time.Duration // default 7 days
	MaxInconsistentRecords int          // abort threshold; <=0 selects 10000
}

func (c *Config) applyDefaults() {
	if c.IntegrityScanInterval <= 0 {
		c.IntegrityScanInterval = time.Hour
	}
	if c.QuickHealthInterval <= 0 {
		c.QuickHealthInterval = 5 * time.Minute
	}
	if c.AnomalousBalanceHigh <= 0 {
		c.AnomalousBalanceHigh = 1_000_000_000
	}
	if c.MixingIdleTimeout <= 0 {
		c.MixingIdleTimeout = 2 * time.Hour
	}
	if c.DepositUnconfirmedMax <= 0 {
		c.DepositUnconfirmedMax = 24 * time.Hour
	}
	if c.UnusedAddressMax <= 0 {
		c.UnusedAddressMax = mixer.UnusedRetention
	}
	if c.MaxInconsistentRecords <= 0 {
		c.MaxInconsistentRecords = 10000
	}
}

// ErrTooManyInconsistencies aborts a scan pass before applying fixes, so a
// systemic failure doesn't get auto-fixed record by record.
type ErrTooManyInconsistencies struct {
	Found int
	Max   int
}

func (e *ErrTooManyInconsistencies) Error() string {
	return fmt.Sprintf("recovery: %d inconsistent records exceeds max %d, aborting auto-fix", e.Found, e.Max)
}

// Manager is the RecoveryManager.
type Manager struct {
	store  storage.Store
	cfg    Config
	log    *logger.Logger
	tracer core.Tracer

	mu      sync.Mutex
	cr      *cron.Cron
	running bool

	currencies   []ledger.Currency
	lockReleaser StaleLockReleaser
}

var _ system.Service = (*Manager)(nil)
var _ system.DescriptorProvider = (*Manager)(nil)

// New constructs a RecoveryManager scanning the given currencies.
func New(store storage.Store, cfg Config, currencies []ledger.Currency, log *logger.Logger, tracer core.Tracer) *Manager {
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewDefault("recovery")
	}
	if tracer == nil {
		tracer = core.NoopTracer
	}
	return &Manager{store: store, cfg: cfg, log: log, tracer: tracer, currencies: currencies}
}

func (m *Manager) Name() string { return "recovery_manager" }

func (m *Manager) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "recovery_manager", Domain: "mixer", Layer: core.LayerEngine}.
		WithCapabilities("integrity_scan", "quick_health_scan")
}

// Start launches the integrity scan and quick-health scan loops on a cron
// schedule: `@every` entries reproduce the two fixed cadences spec.md §4.4
// names (1h full scan, 5m quick scan) the same way
// internal/app/services/automation schedules recurring jobs, but through a
// real cron.Cron rather than a hand-rolled ticker.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}

	cr := cron.New()
	if _, err := cr.AddFunc(everySpec(m.cfg.IntegrityScanInterval), m.cronRun(ctx, m.runIntegrityScan)); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("recovery: schedule integrity scan: %w", err)
	}
	if _, err := cr.AddFunc(everySpec(m.cfg.QuickHealthInterval), m.cronRun(ctx, m.runQuickHealthScan)); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("recovery: schedule quick health scan: %w", err)
	}
	m.cr = cr
	m.running = true
	m.mu.Unlock()

	cr.Start()
	m.log.Info("recovery manager started")
	return nil
}

// everySpec formats d as a robfig/cron `@every` spec, the form that maps an
// arbitrary Duration onto a cron schedule without approximating it to the
// nearest minute boundary.
func everySpec(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

func (m *Manager) cronRun(ctx context.Context, scan func(context.Context) ([]Issue, error)) func() {
	return func() {
		if _, err := scan(ctx); err != nil {
			m.log.WithError(err).Warn("recovery scan failed")
		}
	}
}

// Stop halts both scan loops, waiting for any run in progress to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cr := m.cr
	m.cr = nil
	m.mu.Unlock()

	if cr == nil {
		return nil
	}
	stopCtx := cr.Stop()

	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	m.log.Info("recovery manager stopped")
	return nil
}

func (m *Manager) audit(ctx context.Context, category Category, subject, message string) {
	_, err := m.store.WriteAudit(ctx, storage.AuditRecord{
		Category: "recovery." + string(category),
		Subject:  subject,
		Message:  message,
	})
	if err != nil {
		m.log.WithError(err).Warn("recovery: failed to write audit record")
	}
}
