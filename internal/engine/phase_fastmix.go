package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/mixer/internal/domain/mixer"
)

// fastMixHops is the number of intermediate obfuscation addresses FAST_MIX
// routes funds through before the final TRANSFER payout. Not a tunable;
// FAST_MIX's whole purpose is speed over the anonymity set
// COINJOIN/POOL_MIXING provide, so the chain is kept short and fixed.
const fastMixHops = 3

// runFastMix drives the FAST_MIX phase machine: OBFUSCATION -> TRANSFER.
// Grounded on the LastIntermediateAddress field comment in
// internal/domain/mixer/mixing_context.go, which records the Open Question
// decision to track the final hop address explicitly rather than rely on
// "the last element of IntermediateAddresses" (ambiguous once a hop can
// fail and be retried out of order).
func (e *Engine) runFastMix(ctx context.Context, req *mixer.MixRequest, mctx *mixer.MixingContext) error {
	mctx.CurrentPhase = mixer.PhaseObfuscation
	mctx.Progress = 20
	if err := e.transition(ctx, req, mixer.StatusPooling); err != nil {
		return err
	}
	if err := e.obfuscate(ctx, req, mctx); err != nil {
		return fmt.Errorf("engine: obfuscation: %w", err)
	}

	mctx.CurrentPhase = mixer.PhaseTransfer
	mctx.Progress = 70
	if err := e.transition(ctx, req, mixer.StatusMixing); err != nil {
		return err
	}
	if err := e.transferOut(ctx, req, mctx); err != nil {
		return fmt.Errorf("engine: transfer: %w", err)
	}

	mctx.Progress = 100
	return e.awaitCompletion(ctx, req)
}

// obfuscate routes the deposit through fastMixHops disposable intermediate
// addresses, each hop a fresh broadcast, so the final payout's on-chain
// history does not link directly back to the deposit address.
func (e *Engine) obfuscate(ctx context.Context, req *mixer.MixRequest, mctx *mixer.MixingContext) error {
	from := req.DepositAddress
	for i := 0; i < fastMixHops; i++ {
		hop := fmt.Sprintf("fastmix-hop-%s", uuid.NewString())
		signed := buildSimplePayout(req.Currency, hop, req.InputAmount)
		txid, err := e.gw.Broadcast(ctx, signed, fmt.Sprintf("%s:obfuscation:%d", req.ID, i))
		if err != nil {
			return err
		}
		if err := e.waitOutOfBandConfirmation(ctx, req, txid); err != nil {
			return err
		}
		mctx.IntermediateAddresses = append(mctx.IntermediateAddresses, hop)
		mctx.LastIntermediateAddress = hop
		from = hop

		select {
		case <-time.After(e.cfg.PhaseDelay / fastMixHops):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_ = from
	return nil
}

// waitOutOfBandConfirmation waits for an obfuscation hop's own
// confirmations without persisting an OutputTransaction row — hops are not
// payouts owed to the user and must not appear in ListOutputTransactions,
// which drives completion accounting.
func (e *Engine) waitOutOfBandConfirmation(ctx context.Context, req *mixer.MixRequest, txid string) error {
	needed := req.Currency.Confirmations()
	ticker := time.NewTicker(e.cfg.ConfirmPollInterval)
	defer ticker.Stop()
	for {
		n, err := e.gw.GetConfirmations(ctx, req.Currency, txid)
		if err != nil {
			return err
		}
		if n >= needed {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// transferOut pays every output address directly from the last
// intermediate hop, recording one OutputTransaction per address.
func (e *Engine) transferOut(ctx context.Context, req *mixer.MixRequest, mctx *mixer.MixingContext) error {
	now := time.Now().UTC()
	for i, split := range req.OutputAddresses {
		amount := mixer.NetOutputFor(req.InputAmount, split)
		signed := buildSimplePayout(req.Currency, split.Address, amount)
		signed.Payload = []byte(fmt.Sprintf(`{"from":%q,"to":%q,"amount":%d}`, mctx.LastIntermediateAddress, split.Address, int64(amount)))
		txid, err := e.gw.Broadcast(ctx, signed, fmt.Sprintf("%s:transfer:%d", req.ID, i))
		if err != nil {
			return err
		}
		mctx.BroadcastTxIDs = append(mctx.BroadcastTxIDs, txid)

		if _, err := e.store.CreateOutputTransaction(ctx, mixer.OutputTransaction{
			ID:           uuid.NewString(),
			MixRequestID: req.ID,
			Address:      split.Address,
			Amount:       amount,
			TxID:         txid,
			OutputIndex:  i,
			Status:       mixer.OutputBroadcast,
			ScheduledFor: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}); err != nil {
			return err
		}
	}
	return nil
}
