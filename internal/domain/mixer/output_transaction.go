package mixer

import (
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
)

// OutputTransactionStatus is the broadcast/confirmation lifecycle of a
// single scheduled payout.
type OutputTransactionStatus string

const (
	OutputPending   OutputTransactionStatus = "PENDING"
	OutputBroadcast OutputTransactionStatus = "BROADCAST"
	OutputConfirmed OutputTransactionStatus = "CONFIRMED"
	OutputFailed    OutputTransactionStatus = "FAILED"
)

// OutputTransaction is one entry in output_addresses times one broadcast
// attempt.
type OutputTransaction struct {
	ID           string
	MixRequestID string
	Address      string
	Amount       ledger.Amount
	TxID         string
	OutputIndex  int
	Status       OutputTransactionStatus
	ScheduledFor time.Time
	Confirmations uint32
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
