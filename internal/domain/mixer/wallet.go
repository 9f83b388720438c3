package mixer

import (
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
)

// WalletType distinguishes hot wallets, pool wallets, and cold storage.
type WalletType string

const (
	WalletHot  WalletType = "HOT"
	WalletPool WalletType = "POOL"
	WalletCold WalletType = "COLD"
)

// WalletStatus is the operational status of a wallet.
type WalletStatus string

const (
	WalletStatusActive    WalletStatus = "ACTIVE"
	WalletStatusSuspended WalletStatus = "SUSPENDED"
	WalletStatusRetired   WalletStatus = "RETIRED"
)

// Wallet is a pool or hot wallet. Invariant: Balance >= 0; no two wallets
// share (Address, Currency).
type Wallet struct {
	ID         string
	Address    string
	Currency   ledger.Currency
	Type       WalletType
	Balance    ledger.Amount
	IsActive   bool
	IsLocked   bool
	LockedBy   string
	LockedAt   *time.Time
	Status     WalletStatus
	LastUsedAt time.Time
	CreatedAt  time.Time
	TxCount    int64
}

// Available reports whether the wallet is selectable by PoolManager.select_wallets.
func (w *Wallet) Available(minAmount ledger.Amount) bool {
	return w.IsActive && !w.IsLocked && w.Status == WalletStatusActive && w.Balance >= minAmount
}
