package mixer

import "time"

// DepositAddress is 1:1 with a MixRequest. It is destroyed only once the
// mix reaches CANCELLED/FAILED and has sat unused past UnusedRetention.
type DepositAddress struct {
	ID           string
	MixRequestID string
	Address      string
	Currency     string
	Used         bool
	CreatedAt    time.Time
	UsedAt       *time.Time
}

// UnusedRetention is how long an unused deposit address outlives its
// terminal/absent parent before RecoveryManager deletes it as an orphan.
const UnusedRetention = 7 * 24 * time.Hour
