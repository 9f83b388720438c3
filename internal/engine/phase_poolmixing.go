package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/scheduler"
)

// runPoolMixing drives the POOL_MIXING phase machine: POOL_ENTRY -> MIXING
// -> DISTRIBUTION. Grounded on internal/pool/pool.go's Enter/ProcessChunk
// transactional shape and on services/mixer/mixing.go's randomSplit-driven
// chunking, with DISTRIBUTION's delayed payouts handed to
// internal/scheduler rather than an in-process sleep per spec.md §4.1.
func (e *Engine) runPoolMixing(ctx context.Context, req *mixer.MixRequest, mctx *mixer.MixingContext) error {
	mctx.CurrentPhase = mixer.PhasePoolEntry
	mctx.Progress = 10
	if err := e.transition(ctx, req, mixer.StatusPooling); err != nil {
		return err
	}
	if _, err := e.pool.Enter(ctx, req.ID, req.Currency, req.InputAmount); err != nil {
		return fmt.Errorf("engine: pool entry: %w", err)
	}

	mctx.CurrentPhase = mixer.PhaseMixing
	mctx.Progress = 40
	if err := e.transition(ctx, req, mixer.StatusMixing); err != nil {
		return err
	}
	if err := e.processChunks(ctx, req, mctx); err != nil {
		return fmt.Errorf("engine: process chunks: %w", err)
	}

	mctx.CurrentPhase = mixer.PhaseDistribution
	mctx.Progress = 70
	if err := e.scheduleDistribution(ctx, req, mctx); err != nil {
		return fmt.Errorf("engine: schedule distribution: %w", err)
	}

	mctx.Progress = 100
	return e.awaitCompletion(ctx, req)
}

// processChunks splits the input amount into chunks and runs each through
// the pool manager, recording the resulting chunk plan on mctx for Status
// responses (RecoveryManager works from persisted MixRequest rows and never
// reads the in-memory context).
func (e *Engine) processChunks(ctx context.Context, req *mixer.MixRequest, mctx *mixer.MixingContext) error {
	n := chunkCount(req.InputAmount, e.cfg)
	amounts, err := randomSplit(req.InputAmount, n)
	if err != nil {
		return err
	}

	mctx.Chunks = make([]mixer.Chunk, 0, len(amounts))
	for i, amount := range amounts {
		wallet, err := e.pool.ProcessChunk(ctx, mctx.SessionID, req.Currency, amount)
		if err != nil {
			return err
		}
		mctx.Chunks = append(mctx.Chunks, mixer.Chunk{Index: i, Amount: amount, WalletID: wallet.ID, Processed: true})

		// Independent random delay per chunk, drawn from [0, PhaseDelay),
		// so chunk timing does not correlate across the split.
		if len(amounts) > 1 {
			select {
			case <-time.After(scheduler.JitteredDelay(e.cfg.PhaseDelay)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// scheduleDistribution records a PENDING OutputTransaction per output
// address and enqueues its payout with internal/scheduler, firing after
// req.DelaySeconds plus a uniform(0, DistributionJitter) delay.
func (e *Engine) scheduleDistribution(ctx context.Context, req *mixer.MixRequest, mctx *mixer.MixingContext) error {
	now := time.Now().UTC()
	base := now.Add(time.Duration(req.DelaySeconds) * time.Second)

	for i, split := range req.OutputAddresses {
		amount := mixer.NetOutputFor(req.InputAmount, split)
		out, err := e.store.CreateOutputTransaction(ctx, mixer.OutputTransaction{
			ID:           uuid.NewString(),
			MixRequestID: req.ID,
			Address:      split.Address,
			Amount:       amount,
			OutputIndex:  i,
			Status:       mixer.OutputPending,
			ScheduledFor: base,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if err != nil {
			return err
		}

		fireAt := base.Add(scheduler.JitteredDelay(e.cfg.DistributionJitter))
		if _, err := e.sched.Schedule(ctx, req.ID, i, fireAt, map[string]string{
			"output_transaction_id": out.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}
