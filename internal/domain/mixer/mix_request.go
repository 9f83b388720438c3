// Package mixer provides the core entity types for the mixing service: mix
// requests, deposit addresses, wallets, output transactions, mixing
// contexts, pools, and encrypted fields.
package mixer

import (
	"fmt"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
)

// Status is a MixRequest lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDeposited Status = "DEPOSITED"
	StatusPooling   Status = "POOLING"
	StatusMixing    Status = "MIXING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// OutputSplit is one entry of MixRequest.output_addresses: a destination
// address and the basis-point share of the net amount it receives.
type OutputSplit struct {
	Address           string
	PercentBasisPoints ledger.BasisPoints
}

// MixRequest is the unit of work accepted by the mixing engine.
type MixRequest struct {
	ID              string
	Currency        ledger.Currency
	InputAmount     ledger.Amount
	DepositAddress  string
	OutputAddresses []OutputSplit
	DelaySeconds    int64
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Status          Status
	RetryCount      int
	ErrorMessage    string
	ErrorCode       string

	// Sensitive fields, persisted only as EncryptedField envelopes by the
	// Store adapter; the in-memory domain object carries plaintext.
	IPAddress string
	UserAgent string
	Referrer  string
	Notes     string

	// UpdatedAt tracks the last status transition, used by RecoveryManager's
	// "MIXING idle >2h" and "DEPOSITED unconfirmed >24h" detectors.
	UpdatedAt time.Time

	// DepositConfirmedAt is set once the deposit reaches the currency's
	// required confirmation count.
	DepositConfirmedAt *time.Time
}

// Validate checks the invariants spec'd for MixRequest: basis points sum to
// 10000 and expires_at is after created_at.
func (r *MixRequest) Validate() error {
	if !r.Currency.Valid() {
		return fmt.Errorf("mixer: unsupported currency %q", r.Currency)
	}
	if !r.InputAmount.IsPositive() {
		return fmt.Errorf("mixer: input_amount must be positive")
	}
	bps := make([]ledger.BasisPoints, 0, len(r.OutputAddresses))
	for _, o := range r.OutputAddresses {
		bps = append(bps, o.PercentBasisPoints)
	}
	if err := ledger.ValidateSplits(bps); err != nil {
		return err
	}
	if !r.ExpiresAt.After(r.CreatedAt) {
		return fmt.Errorf("mixer: expires_at must be after created_at")
	}
	return nil
}

// NetOutputFor returns the amount owed to output i after fees, given the
// net amount remaining after fees have been deducted from InputAmount.
func NetOutputFor(net ledger.Amount, split OutputSplit) ledger.Amount {
	return net.MulBasisPoints(split.PercentBasisPoints)
}
