package mixer

import (
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
)

// Pool describes the per-currency liquidity pool: the set of unspent
// balances owned by POOL wallets plus queued mixing chunks.
type Pool struct {
	Currency           ledger.Currency
	SizeNativeUnits    ledger.Amount
	ActiveParticipants int
	AverageWaitTime    time.Duration
}
