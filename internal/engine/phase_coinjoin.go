package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/gateway"
	"github.com/R3E-Network/mixer/internal/storage"
)

// runCoinJoin drives the COINJOIN phase machine: COORDINATION -> SIGNING ->
// BROADCAST, then waits on its own confirmations like every other
// strategy. Grounded on services/mixer/mixing.go's executeMixingTransaction
// for the sign-combine-broadcast shape, extended to a multi-participant
// joint transaction per spec.md §4.1.
//
// Coordination across independently-submitted MixRequests is approximated
// within this single process by a coordinator/participant claim registry
// (engine.go's claims map) rather than a real network handshake: the
// request that discovers enough candidates becomes the coordinator and
// claims them; a claimed request's own drive() goroutine defers to
// awaitParticipation instead of running its own phase machine.
func (e *Engine) runCoinJoin(ctx context.Context, req *mixer.MixRequest, mctx *mixer.MixingContext) error {
	if len(mctx.Participants) == 0 {
		return ErrStrategyDowngrade
	}

	mctx.CurrentPhase = mixer.PhaseCoordination
	mctx.Progress = 10
	if err := e.transition(ctx, req, mixer.StatusPooling); err != nil {
		return err
	}

	group, err := e.formCoinJoinGroup(ctx, req, mctx)
	if err != nil {
		return err
	}
	defer e.releaseClaims(participantIDs(group, req.ID))

	mctx.CurrentPhase = mixer.PhaseSigning
	mctx.Progress = 40
	if err := e.transition(ctx, req, mixer.StatusMixing); err != nil {
		return err
	}
	unsigned, sigs, err := e.signCoinJoin(ctx, req, group)
	if err != nil {
		return err
	}

	mctx.CurrentPhase = mixer.PhaseBroadcast
	mctx.Progress = 80
	if err := e.broadcastCoinJoin(ctx, mctx, group, unsigned, sigs); err != nil {
		return err
	}

	mctx.Progress = 100
	return e.awaitCompletion(ctx, req)
}

// formCoinJoinGroup claims candidates from mctx.Participants up to what's
// needed, waits a settle delay (coordinationSettleDelay, at most half of
// CoordinationTimeout) to let any independently-failing candidate reveal
// itself, then re-verifies every claimed candidate is
// still non-terminal. Returns ErrStrategyDowngrade if too few survive.
func (e *Engine) formCoinJoinGroup(ctx context.Context, req *mixer.MixRequest, mctx *mixer.MixingContext) ([]mixer.MixRequest, error) {
	needed := e.cfg.MinCoinjoinParticipants - 1
	claimed := make([]string, 0, needed)
	for _, candidateID := range mctx.Participants {
		if len(claimed) >= needed {
			break
		}
		if e.tryClaim(candidateID, req.ID) {
			claimed = append(claimed, candidateID)
		}
	}
	if len(claimed) < needed {
		e.releaseClaims(claimed)
		return nil, ErrStrategyDowngrade
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.CoordinationTimeout)
	defer cancel()
	select {
	case <-time.After(coordinationSettleDelay(e.cfg)):
	case <-waitCtx.Done():
	}

	group := make([]mixer.MixRequest, 0, len(claimed)+1)
	group = append(group, *req)
	survivors := make([]string, 0, len(claimed))
	for _, id := range claimed {
		candidate, err := e.store.GetMixRequest(ctx, id)
		if err != nil || candidate.Status.Terminal() {
			continue
		}
		group = append(group, candidate)
		survivors = append(survivors, id)
	}

	if len(survivors)+1 < e.cfg.MinCoinjoinParticipants {
		e.releaseClaims(survivors)
		return nil, ErrStrategyDowngrade
	}
	return group, nil
}

// coordinationSettleDelay bounds how long the coordinator waits for the
// claim set to settle before proceeding, capped well under the configured
// coordination timeout so a slow currency's confirmations don't starve it.
func coordinationSettleDelay(cfg Config) time.Duration {
	d := cfg.PhaseDelay
	if d > cfg.CoordinationTimeout/2 {
		d = cfg.CoordinationTimeout / 2
	}
	return d
}

// signCoinJoin builds the joint transaction (one input per participant,
// one output per participant's own output_addresses) and collects a
// partial signature from each participant.
func (e *Engine) signCoinJoin(ctx context.Context, req *mixer.MixRequest, group []mixer.MixRequest) (gateway.UnsignedTx, []gateway.PartialSignature, error) {
	inputs := make([]gateway.TxInput, 0, len(group))
	outputs := make([]gateway.TxOutput, 0, len(group)*2)
	for _, p := range group {
		inputs = append(inputs, gateway.TxInput{WalletID: p.ID, Address: p.DepositAddress, Amount: p.InputAmount})
		for _, split := range p.OutputAddresses {
			outputs = append(outputs, gateway.TxOutput{
				Address: split.Address,
				Amount:  mixer.NetOutputFor(p.InputAmount, split),
			})
		}
	}

	unsigned, err := e.gw.BuildCoinJoin(ctx, req.Currency, inputs, outputs)
	if err != nil {
		return gateway.UnsignedTx{}, nil, fmt.Errorf("engine: build coinjoin: %w", err)
	}

	signCtx, cancel := context.WithTimeout(ctx, e.cfg.SigningTimeout)
	defer cancel()

	sigs := make([]gateway.PartialSignature, 0, len(group))
	for i, p := range group {
		sig, err := e.gw.SignPartial(signCtx, unsigned, p.ID, i)
		if err != nil {
			return gateway.UnsignedTx{}, nil, fmt.Errorf("engine: sign partial for %s: %w", p.ID, err)
		}
		sigs = append(sigs, sig)
	}
	return unsigned, sigs, nil
}

// broadcastCoinJoin combines the partial signatures, broadcasts the joint
// transaction, and records one OutputTransaction per output address for
// every participant in the group, including the coordinator itself.
func (e *Engine) broadcastCoinJoin(ctx context.Context, mctx *mixer.MixingContext, group []mixer.MixRequest, unsigned gateway.UnsignedTx, sigs []gateway.PartialSignature) error {
	signed, err := e.gw.Combine(ctx, unsigned, sigs)
	if err != nil {
		return fmt.Errorf("engine: combine: %w", err)
	}
	txid, err := e.gw.Broadcast(ctx, signed, mctx.CoordinationID)
	if err != nil {
		return fmt.Errorf("engine: broadcast coinjoin: %w", err)
	}
	mctx.BroadcastTxIDs = append(mctx.BroadcastTxIDs, txid)

	now := time.Now().UTC()
	return e.store.WithTx(ctx, func(ctx context.Context, tx storage.Store) error {
		for _, p := range group {
			for i, split := range p.OutputAddresses {
				out := mixer.OutputTransaction{
					ID:            uuid.NewString(),
					MixRequestID:  p.ID,
					Address:       split.Address,
					Amount:        mixer.NetOutputFor(p.InputAmount, split),
					TxID:          txid,
					OutputIndex:   i,
					Status:        mixer.OutputBroadcast,
					ScheduledFor:  now,
					CreatedAt:     now,
					UpdatedAt:     now,
				}
				if _, err := tx.CreateOutputTransaction(ctx, out); err != nil {
					return fmt.Errorf("engine: record coinjoin output for %s: %w", p.ID, err)
				}
			}
			if p.ID == group[0].ID {
				continue // coordinator transitions its own status via the normal phase-machine path
			}
			p.Status = mixer.StatusMixing
			p.UpdatedAt = now
			if _, err := tx.UpdateMixRequest(ctx, p); err != nil {
				return fmt.Errorf("engine: transition participant %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// awaitParticipation is run by a claimed participant's own drive()
// goroutine instead of its own phase machine: it polls the Store for the
// coordinator-written OutputTransactions and, once found, hands off to the
// normal confirmation-watch/completion path. If no coordination result
// appears before the claim is released or the combined timeout elapses, it
// returns ErrStrategyDowngrade so the participant retries independently.
func (e *Engine) awaitParticipation(ctx context.Context, req *mixer.MixRequest, mctx *mixer.MixingContext, coordinatorID string) error {
	mctx.CurrentPhase = mixer.PhaseCoordination
	deadline := time.Now().Add(e.cfg.CoordinationTimeout + e.cfg.SigningTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		outs, err := e.store.ListOutputTransactions(ctx, req.ID)
		if err == nil && len(outs) > 0 {
			mctx.CurrentPhase = mixer.PhaseBroadcast
			mctx.Progress = 100
			return e.awaitCompletion(ctx, req)
		}
		if _, stillClaimed := e.checkClaimed(req.ID); !stillClaimed {
			return ErrStrategyDowngrade
		}
		if time.Now().After(deadline) {
			e.releaseClaims([]string{req.ID})
			return ErrStrategyDowngrade
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func participantIDs(group []mixer.MixRequest, selfID string) []string {
	ids := make([]string, 0, len(group))
	for _, p := range group {
		if p.ID != selfID {
			ids = append(ids, p.ID)
		}
	}
	return ids
}
