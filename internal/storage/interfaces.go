// Package storage defines the persistence capability the mixer core
// requires: per-entity CRUD surfaces plus a transactional unit of work. The
// concrete backing store (Postgres, in-memory) is a pluggable adapter; the
// core never imports database/sql directly.
package storage

import (
	"context"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

// MixRequestStore persists MixRequest records.
type MixRequestStore interface {
	CreateMixRequest(ctx context.Context, req mixer.MixRequest) (mixer.MixRequest, error)
	UpdateMixRequest(ctx context.Context, req mixer.MixRequest) (mixer.MixRequest, error)
	GetMixRequest(ctx context.Context, id string) (mixer.MixRequest, error)
	ListMixRequestsByStatus(ctx context.Context, status mixer.Status, limit int) ([]mixer.MixRequest, error)
	// ListCandidates returns PENDING requests of the given currency whose
	// amount is within the given tolerance band and whose expiry is after
	// asOf — the CoinJoin candidate query in spec.md §4.1.
	ListCandidates(ctx context.Context, currency ledger.Currency, amount ledger.Amount, toleranceBP ledger.BasisPoints, asOf time.Time, excludeID string) ([]mixer.MixRequest, error)
	// ListNonTerminal returns every request whose status is not terminal,
	// used to resume in-flight mixes after a restart.
	ListNonTerminal(ctx context.Context) ([]mixer.MixRequest, error)
}

// DepositAddressStore persists DepositAddress records.
type DepositAddressStore interface {
	CreateDepositAddress(ctx context.Context, addr mixer.DepositAddress) (mixer.DepositAddress, error)
	UpdateDepositAddress(ctx context.Context, addr mixer.DepositAddress) (mixer.DepositAddress, error)
	GetDepositAddressByMixRequest(ctx context.Context, mixRequestID string) (mixer.DepositAddress, error)
	DeleteDepositAddress(ctx context.Context, id string) error
	// ListOrphanedDepositAddresses returns deposit addresses unused for
	// longer than olderThan whose parent MixRequest is terminal or absent.
	ListOrphanedDepositAddresses(ctx context.Context, olderThan time.Duration) ([]mixer.DepositAddress, error)
	// ListDuplicateAddresses groups by address with count > 1.
	ListDuplicateAddresses(ctx context.Context) (map[string][]mixer.DepositAddress, error)
	ListMixRequestIDsWithDepositAddress(ctx context.Context) (map[string]bool, error)
}

// WalletStore persists Wallet records and provides the row-locking
// operations PoolManager needs.
type WalletStore interface {
	CreateWallet(ctx context.Context, w mixer.Wallet) (mixer.Wallet, error)
	GetWallet(ctx context.Context, id string) (mixer.Wallet, error)
	ListWallets(ctx context.Context, currency ledger.Currency) ([]mixer.Wallet, error)
	// SelectAvailableWallets returns HOT/POOL wallets with balance >=
	// minAmount, active, unlocked, ordered by balance DESC, last_used_at ASC.
	SelectAvailableWallets(ctx context.Context, currency ledger.Currency, minAmount ledger.Amount, limit int) ([]mixer.Wallet, error)
	// LockWallet atomically sets is_locked = true iff it was false,
	// returning ok=false on contention (no row updated).
	LockWallet(ctx context.Context, id string, lockedBy string) (ok bool, err error)
	// UnlockWallet clears is_locked unconditionally.
	UnlockWallet(ctx context.Context, id string) error
	// AdjustBalance applies delta to the wallet's balance inside the
	// caller's transaction, failing if the result would be negative.
	AdjustBalance(ctx context.Context, id string, delta ledger.Amount) (mixer.Wallet, error)
	ListNegativeBalanceWallets(ctx context.Context) ([]mixer.Wallet, error)
	ListAnomalousBalanceWallets(ctx context.Context, threshold ledger.Amount) ([]mixer.Wallet, error)
	ListDuplicateWalletAddresses(ctx context.Context) (map[string][]mixer.Wallet, error)
}

// OutputTransactionStore persists OutputTransaction records.
type OutputTransactionStore interface {
	CreateOutputTransaction(ctx context.Context, tx mixer.OutputTransaction) (mixer.OutputTransaction, error)
	UpdateOutputTransaction(ctx context.Context, tx mixer.OutputTransaction) (mixer.OutputTransaction, error)
	GetOutputTransaction(ctx context.Context, id string) (mixer.OutputTransaction, error)
	DeleteOutputTransaction(ctx context.Context, id string) error
	ListOutputTransactions(ctx context.Context, mixRequestID string) ([]mixer.OutputTransaction, error)
	ListOrphanedOutputTransactions(ctx context.Context) ([]mixer.OutputTransaction, error)
}

// PoolStore persists per-currency Pool aggregates.
type PoolStore interface {
	GetPool(ctx context.Context, currency ledger.Currency) (mixer.Pool, error)
	// RecomputePool derives the pool's size/participants from wallet rows
	// — there is no separate cache that could disagree (spec.md §5).
	RecomputePool(ctx context.Context, currency ledger.Currency) (mixer.Pool, error)
}

// EncryptionKeyStore persists the key-version rotation log.
type EncryptionKeyStore interface {
	CreateKeyVersion(ctx context.Context, v mixer.EncryptionKeyVersion) (mixer.EncryptionKeyVersion, error)
	GetKeyVersion(ctx context.Context, versionID string) (mixer.EncryptionKeyVersion, error)
	ListKeyVersions(ctx context.Context) ([]mixer.EncryptionKeyVersion, error)
	RetireKeyVersion(ctx context.Context, versionID string, retiredAt time.Time) error
}

// AuditRecord is one entry in the append-only audit log spec.md §6
// requires the Store to provide.
type AuditRecord struct {
	ID        string
	Category  string // e.g. "recovery.auto_fix", "scheduler.fire"
	Subject   string // e.g. a MixRequest ID or Wallet ID
	Message   string
	CreatedAt time.Time
}

// AuditStore appends and lists audit records.
type AuditStore interface {
	WriteAudit(ctx context.Context, rec AuditRecord) (AuditRecord, error)
	ListAudit(ctx context.Context, subject string, limit int) ([]AuditRecord, error)
}

// SchedulerJob is a persisted future-dated payout job.
type SchedulerJob struct {
	ID           string
	MixRequestID string
	OutputIndex  int
	FireAt       time.Time
	Fired        bool
	FiredAt      *time.Time
	Payload      map[string]string
	CreatedAt    time.Time
}

// SchedulerStore persists the payout job queue.
type SchedulerStore interface {
	// ScheduleJob inserts a job, or returns the existing one if
	// (MixRequestID, OutputIndex) was already scheduled — idempotent per
	// spec.md §4.3.
	ScheduleJob(ctx context.Context, job SchedulerJob) (job_ SchedulerJob, created bool, err error)
	ListDueJobs(ctx context.Context, asOf time.Time, limit int) ([]SchedulerJob, error)
	MarkJobFired(ctx context.Context, id string, firedAt time.Time) error
	CancelJobsForMixRequest(ctx context.Context, mixRequestID string) error
}

// Store is the full persistence capability the mixer core requires,
// including the transactional unit of work every write-heavy operation
// (PoolManager.process_chunk, Scheduler fire, RecoveryManager auto-fix)
// must run inside.
type Store interface {
	MixRequestStore
	DepositAddressStore
	WalletStore
	OutputTransactionStore
	PoolStore
	EncryptionKeyStore
	AuditStore
	SchedulerStore

	// WithTx runs fn inside a transaction with snapshot isolation or
	// stricter; fn sees read-your-writes. The Store passed to fn is
	// transaction-scoped — all of its methods participate in the same
	// transaction. A non-nil return from fn rolls the transaction back.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
