package mixer

import (
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
)

// Strategy is the mixing strategy an engine selected for a request.
type Strategy string

const (
	StrategyCoinJoin    Strategy = "COINJOIN"
	StrategyPoolMixing  Strategy = "POOL_MIXING"
	StrategyFastMix     Strategy = "FAST_MIX"
)

// Anonymity is the qualitative anonymity level a strategy provides.
type Anonymity string

const (
	AnonymityHigh   Anonymity = "HIGH"
	AnonymityMedium Anonymity = "MEDIUM"
	AnonymityLow    Anonymity = "LOW"
)

// Phase is a named step within a strategy's phase machine.
type Phase string

const (
	PhaseCoordination Phase = "COORDINATION"
	PhaseSigning      Phase = "SIGNING"
	PhaseBroadcast    Phase = "BROADCAST"

	PhasePoolEntry   Phase = "POOL_ENTRY"
	PhaseMixing      Phase = "MIXING"
	PhaseDistribution Phase = "DISTRIBUTION"

	PhaseObfuscation Phase = "OBFUSCATION"
	PhaseTransfer    Phase = "TRANSFER"
)

// Chunk is one sub-amount produced by splitting a POOL_MIXING request's
// input for independent pool processing.
type Chunk struct {
	Index     int
	Amount    ledger.Amount
	WalletID  string
	Processed bool
}

// MixingContext is the in-memory-only execution state for one active mix.
// It is exclusively owned by the MixingEngine for the duration of the mix
// and destroyed once the request reaches a terminal state.
type MixingContext struct {
	MixRequestID   string
	SessionID      string
	MixingID       string
	Strategy       Strategy
	Anonymity      Anonymity
	CurrentPhase   Phase
	Progress       int // 0..100
	StartedAt      time.Time
	EstimatedCompletion time.Time
	RetryCount     int

	// COINJOIN-only.
	CoordinationID string
	Participants   []string // other MixRequest IDs in this joint transaction

	// POOL_MIXING-only.
	Chunks []Chunk

	// FAST_MIX-only: the address chain created in OBFUSCATION. TRANSFER
	// pays out from the last entry — tracked separately from
	// BroadcastTxIDs so the "last element" ambiguity from the source
	// cannot recur (see SPEC_FULL.md Open Question decisions).
	IntermediateAddresses   []string
	LastIntermediateAddress string

	BroadcastTxIDs []string
}

// Done reports whether the context's strategy has run out of phases.
func (c *MixingContext) Done() bool {
	switch c.Strategy {
	case StrategyCoinJoin:
		return c.CurrentPhase == PhaseBroadcast && c.Progress >= 100
	case StrategyPoolMixing:
		return c.CurrentPhase == PhaseDistribution && c.Progress >= 100
	case StrategyFastMix:
		return c.CurrentPhase == PhaseTransfer && c.Progress >= 100
	default:
		return false
	}
}
