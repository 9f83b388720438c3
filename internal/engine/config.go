package engine

import (
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/pkg/config"
)

// Config mirrors config.EngineConfig in engine-native units (time.Duration,
// ledger value types) so phase code never repeats unit conversions.
type Config struct {
	MaxConcurrentMixes      int
	MinPoolSize             ledger.Amount
	MinCoinjoinParticipants int
	PhaseDelay              time.Duration
	MaxMixingTime           time.Duration
	MaxRetryAttempts        int
	ShutdownTimeout         time.Duration
	CoordinationTimeout     time.Duration
	SigningTimeout          time.Duration
	CandidateTolerance      ledger.BasisPoints
	MinChunkAmount          ledger.Amount
	MaxChunkAmount          ledger.Amount // 0 => use the full input amount as one chunk ceiling

	// QueueCeiling bounds the number of non-terminal requests the engine
	// will admit before Submit starts rejecting with ErrCapacityReached.
	// Not named directly in spec.md §6; set to 10x MaxConcurrentMixes so
	// the "overflow is queued" behaviour (§4.1) has a concrete backstop.
	QueueCeiling int

	// ConfirmPollInterval controls how often a confirmation watcher polls
	// the gateway for a broadcast output's confirmation count.
	ConfirmPollInterval time.Duration

	// DistributionJitter is the upper bound of the uniform random delay
	// added to each DISTRIBUTION payout on top of the request's own
	// delay_seconds, decorrelating payout timing across outputs.
	DistributionJitter time.Duration
}

// FromConfig builds an engine.Config from the process-wide config.EngineConfig.
func FromConfig(c config.EngineConfig) Config {
	cfg := Config{
		MaxConcurrentMixes:      c.MaxConcurrentMixes,
		MinPoolSize:             ledger.Amount(c.MinPoolSize),
		MinCoinjoinParticipants: c.MinCoinjoinParticipants,
		PhaseDelay:              time.Duration(c.PhaseDelayMs) * time.Millisecond,
		MaxMixingTime:           time.Duration(c.MaxMixingTimeMs) * time.Millisecond,
		MaxRetryAttempts:        c.MaxRetryAttempts,
		ShutdownTimeout:         time.Duration(c.ShutdownTimeoutMs) * time.Millisecond,
		CoordinationTimeout:     time.Duration(c.CoordinationTimeoutMs) * time.Millisecond,
		SigningTimeout:          time.Duration(c.SigningTimeoutMs) * time.Millisecond,
		CandidateTolerance:      ledger.BasisPoints(c.CandidateToleranceBP),
		MinChunkAmount:          ledger.Amount(c.MinChunkAmount),
		MaxChunkAmount:          ledger.Amount(c.MaxChunkAmount),
		ConfirmPollInterval:     2 * time.Second,
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentMixes <= 0 {
		c.MaxConcurrentMixes = 100
	}
	if c.MinPoolSize <= 0 {
		c.MinPoolSize = 10
	}
	if c.MinCoinjoinParticipants <= 0 {
		c.MinCoinjoinParticipants = 3
	}
	if c.PhaseDelay <= 0 {
		c.PhaseDelay = 30 * time.Second
	}
	if c.MaxMixingTime <= 0 {
		c.MaxMixingTime = time.Hour
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.CoordinationTimeout <= 0 {
		c.CoordinationTimeout = 2 * time.Minute
	}
	if c.SigningTimeout <= 0 {
		c.SigningTimeout = time.Minute
	}
	if c.CandidateTolerance <= 0 {
		c.CandidateTolerance = 1000
	}
	if c.MinChunkAmount <= 0 {
		c.MinChunkAmount = 1
	}
	if c.QueueCeiling <= 0 {
		c.QueueCeiling = c.MaxConcurrentMixes * 10
	}
	if c.ConfirmPollInterval <= 0 {
		c.ConfirmPollInterval = 2 * time.Second
	}
	if c.DistributionJitter <= 0 {
		c.DistributionJitter = time.Hour
	}
}
