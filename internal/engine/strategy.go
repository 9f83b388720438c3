package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	mrand "math/rand"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

// selection is the result of the strategy-selection algorithm, spec.md §4.1.
type selection struct {
	strategy   mixer.Strategy
	anonymity  mixer.Anonymity
	eta        time.Duration
	candidates []mixer.MixRequest // only populated for StrategyCoinJoin
}

// selectStrategy runs the selection algorithm: query CoinJoin candidates of the same currency within a tolerance
// amount band, then fall back to the pool-size threshold, per spec.md §4.1:
//
//  1. candidates >= MinCoinjoinParticipants-1 (excluding self)  -> COINJOIN
//  2. pool size  >= MinPoolSize                                 -> POOL_MIXING
//  3. otherwise                                                 -> FAST_MIX
func (e *Engine) selectStrategy(ctx context.Context, req mixer.MixRequest) (selection, error) {
	candidates, err := e.store.ListCandidates(ctx, req.Currency, req.InputAmount, e.cfg.CandidateTolerance, time.Now().UTC(), req.ID)
	if err != nil {
		return selection{}, fmt.Errorf("engine: list candidates: %w", err)
	}
	if len(candidates) >= e.cfg.MinCoinjoinParticipants-1 {
		return selection{
			strategy:   mixer.StrategyCoinJoin,
			anonymity:  mixer.AnonymityHigh,
			eta:        e.cfg.CoordinationTimeout + e.cfg.SigningTimeout + e.cfg.PhaseDelay,
			candidates: candidates,
		}, nil
	}

	pool, err := e.pool.Stats(ctx, req.Currency)
	if err != nil {
		return selection{}, fmt.Errorf("engine: pool stats: %w", err)
	}
	if pool.SizeNativeUnits >= e.cfg.MinPoolSize {
		return selection{
			strategy:  mixer.StrategyPoolMixing,
			anonymity: mixer.AnonymityMedium,
			eta:       time.Duration(req.DelaySeconds)*time.Second + e.cfg.PhaseDelay*3,
		}, nil
	}

	return selection{
		strategy:  mixer.StrategyFastMix,
		anonymity: mixer.AnonymityLow,
		eta:       e.cfg.PhaseDelay * 2,
	}, nil
}

// chunkCount picks a random number of chunks to split a POOL_MIXING input
// into, bounded below by the fewest chunks that keep each one under
// MaxChunkAmount and above by the most that keep each one over
// MinChunkAmount, mirroring the shape of the teacher's randomSplit call
// site (services/mixer/mixing.go's runMixingLoop) but driven off
// configured bounds instead of a fixed participant count.
func chunkCount(total ledger.Amount, cfg Config) int {
	if cfg.MinChunkAmount <= 0 || total <= cfg.MinChunkAmount {
		return 1
	}
	max := cfg.MaxChunkAmount
	if max <= 0 || max > total {
		max = total
	}
	lo := int((total + max - 1) / max)
	hi := int(total / cfg.MinChunkAmount)
	if hi > 16 {
		hi = 16 // hard ceiling: unbounded chunk counts would starve the pool
	}
	if lo < 1 {
		lo = 1
	}
	if hi <= lo {
		return lo
	}
	return lo + mrand.Intn(hi-lo+1)
}

// randomSplit divides total into n positive chunks summing exactly to
// total, using crypto/rand for the cut points; when n is 1 or total is not
// greater than n it returns total as a single chunk. Grounded on
// services/mixer/mixing.go's randomSplit(total int64, n int) []int64,
// adapted to ledger.Amount; the source's math/rand fallback on a failed
// crypto/rand read is dropped in favor of failing closed, since a
// pool-facing chunk split has no legitimate reason to tolerate a broken
// entropy source silently.
func randomSplit(total ledger.Amount, n int) ([]ledger.Amount, error) {
	if n <= 0 {
		return nil, fmt.Errorf("engine: randomSplit: n must be positive")
	}
	if n == 1 || total <= ledger.Amount(n) {
		return []ledger.Amount{total}, nil
	}

	bound := big.NewInt(int64(total))
	cuts := make([]int64, 0, n-1)
	seen := make(map[int64]bool, n-1)
	for len(cuts) < n-1 {
		c, err := rand.Int(rand.Reader, bound)
		if err != nil {
			return nil, fmt.Errorf("engine: randomSplit: %w", err)
		}
		v := c.Int64()
		if v == 0 || seen[v] {
			continue
		}
		seen[v] = true
		cuts = append(cuts, v)
	}

	sortInt64s(cuts)

	chunks := make([]ledger.Amount, 0, n)
	prev := int64(0)
	for _, c := range cuts {
		chunks = append(chunks, ledger.Amount(c-prev))
		prev = c
	}
	chunks = append(chunks, ledger.Amount(int64(total)-prev))
	return chunks, nil
}

func sortInt64s(s []int64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// within reports whether candidate's amount is within toleranceBP of
// amount, mirroring the tolerance band storage.Store.ListCandidates
// applies (the two round the lower edge differently when amount*toleranceBP
// is not a multiple of 10000); strategy_test.go's table test covers its
// boundary.
func within(amount, candidate ledger.Amount, toleranceBP ledger.BasisPoints) bool {
	band := amount.MulBasisPoints(toleranceBP)
	diff := amount - candidate
	if diff < 0 {
		diff = -diff
	}
	return diff <= band
}
