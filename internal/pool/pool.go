// Package pool implements the PoolManager: per-currency liquidity pool
// statistics, chunk processing, and wallet selection/locking. Grounded on
// services/accountpool/pool.go's lock/rotate/cleanup shape, adapted from an
// HTTP-client-and-separate-service design to in-process transactional
// operations on the shared Store, and on services/gasbank/service.go's
// debit/credit rollback pattern.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/mixer/internal/core"
	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/storage"
	"github.com/R3E-Network/mixer/internal/system"
	"github.com/R3E-Network/mixer/pkg/logger"
)

// ErrWalletLockContention is returned when select_wallets/process_chunk
// could not lock a wallet because another chunk already holds it.
var ErrWalletLockContention = errors.New("pool: wallet lock contention")

// ErrPoolDepleted is returned by enter/process_chunk when no eligible
// wallet can be found for the requested amount.
var ErrPoolDepleted = errors.New("pool: no eligible wallet")

// Config carries the pool-size thresholds named in spec.md §4.2.
type Config struct {
	MinPoolSize     ledger.Amount // emits pool:depleted below this
	HighWatermark   ledger.Amount // emits pool:overflow above this
	LockTimeout     time.Duration // stale-lock cleanup threshold
}

// Event is a typed notification the pool manager emits on its bounded
// channel — spec.md §9 maps source event-emitter patterns to explicit
// typed events on a bounded channel rather than an implicit global bus.
type Event struct {
	Kind     string // "pool:depleted" | "pool:overflow"
	Currency ledger.Currency
}

// Manager is the PoolManager.
type Manager struct {
	store  storage.Store
	cfg    Config
	log    *logger.Logger
	tracer core.Tracer

	events chan Event
}

// New constructs a PoolManager over store.
func New(store storage.Store, cfg Config, log *logger.Logger, tracer core.Tracer) *Manager {
	if log == nil {
		log = logger.NewDefault("pool")
	}
	if tracer == nil {
		tracer = core.NoopTracer
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = time.Hour
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		log:    log,
		tracer: tracer,
		events: make(chan Event, 64),
	}
}

// Events returns the channel consumers subscribe to for pool:depleted /
// pool:overflow notifications. Backpressure is explicit: a full channel
// drops the event rather than blocking pool operations.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(evt Event) {
	select {
	case m.events <- evt:
	default:
		m.log.WithField("kind", evt.Kind).Warn("pool event channel full, dropping")
	}
}

var _ system.DescriptorProvider = (*Manager)(nil)

// Descriptor advertises the pool manager's architectural placement.
func (m *Manager) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "pool_manager", Domain: "mixer", Layer: core.LayerEngine}.
		WithCapabilities("enter", "process_chunk", "select_wallets", "stats")
}

// Stats returns {size, active_participants, avg_wait} for currency.
func (m *Manager) Stats(ctx context.Context, currency ledger.Currency) (mixer.Pool, error) {
	p, err := m.store.RecomputePool(ctx, currency)
	if err != nil {
		return mixer.Pool{}, fmt.Errorf("pool: stats: %w", err)
	}
	if p.SizeNativeUnits < m.cfg.MinPoolSize {
		m.emit(Event{Kind: "pool:depleted", Currency: currency})
	}
	if m.cfg.HighWatermark > 0 && p.SizeNativeUnits > m.cfg.HighWatermark {
		m.emit(Event{Kind: "pool:overflow", Currency: currency})
	}
	return p, nil
}

// PoolHandle is the receipt returned by Enter.
type PoolHandle struct {
	MixRequestID string
	Currency     ledger.Currency
	Amount       ledger.Amount
	WalletID     string
}

// Enter enrolls a mix's amount into the pool by crediting a selected POOL
// wallet, transactionally.
func (m *Manager) Enter(ctx context.Context, mixID string, currency ledger.Currency, amount ledger.Amount) (PoolHandle, error) {
	ctx, done := m.tracer.StartSpan(ctx, "pool.enter", map[string]string{"mix_id": mixID, "currency": string(currency)})
	var handle PoolHandle
	err := m.store.WithTx(ctx, func(ctx context.Context, tx storage.Store) error {
		wallets, err := tx.SelectAvailableWallets(ctx, currency, 0, 1)
		if err != nil {
			return err
		}
		if len(wallets) == 0 {
			return ErrPoolDepleted
		}
		target := wallets[0]
		if _, err := tx.AdjustBalance(ctx, target.ID, amount); err != nil {
			return err
		}
		handle = PoolHandle{MixRequestID: mixID, Currency: currency, Amount: amount, WalletID: target.ID}
		return nil
	})
	done(err)
	return handle, err
}

// SelectWallets returns HOT/POOL wallets with balance >= minAmount, active,
// unlocked, ordered by balance DESC, last_used_at ASC — a pure read, per
// spec.md §4.2.
func (m *Manager) SelectWallets(ctx context.Context, currency ledger.Currency, minAmount ledger.Amount, limit int) ([]mixer.Wallet, error) {
	limit = core.ClampLimit(limit, 10, 100)
	return m.store.SelectAvailableWallets(ctx, currency, minAmount, limit)
}

// ProcessChunk moves one chunk through the pool: it locks an eligible
// wallet, debits it by the chunk amount, and unlocks it, all inside one
// transaction so the chunk is either fully executed and recorded or rolled
// back as a unit (spec.md §4.2). No destination wallet is credited; the
// debited wallet is returned.
func (m *Manager) ProcessChunk(ctx context.Context, sessionID string, currency ledger.Currency, amount ledger.Amount) (mixer.Wallet, error) {
	ctx, done := m.tracer.StartSpan(ctx, "pool.process_chunk", map[string]string{"session_id": sessionID})
	var result mixer.Wallet
	err := m.store.WithTx(ctx, func(ctx context.Context, tx storage.Store) error {
		wallets, err := tx.SelectAvailableWallets(ctx, currency, amount, 1)
		if err != nil {
			return err
		}
		if len(wallets) == 0 {
			return ErrPoolDepleted
		}
		source := wallets[0]

		ok, err := tx.LockWallet(ctx, source.ID, sessionID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrWalletLockContention
		}
		defer func() { _ = tx.UnlockWallet(ctx, source.ID) }()

		updated, err := tx.AdjustBalance(ctx, source.ID, -amount)
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	done(err)
	return result, err
}

// CleanupStaleLocks force-releases wallet locks held longer than
// cfg.LockTimeout, mirroring accountpool's cleanupStaleLocks. It is called
// periodically by the recovery manager's quick-health scan, not by the
// pool manager's own clock, so there is a single scheduling authority for
// background sweeps.
func (m *Manager) CleanupStaleLocks(ctx context.Context, currency ledger.Currency) (int, error) {
	wallets, err := m.store.ListWallets(ctx, currency)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	released := 0
	for _, w := range wallets {
		if w.IsLocked && w.LockedAt != nil && now.Sub(*w.LockedAt) > m.cfg.LockTimeout {
			if err := m.store.UnlockWallet(ctx, w.ID); err == nil {
				released++
			}
		}
	}
	return released, nil
}
