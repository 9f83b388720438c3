package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/gateway/simulated"
	"github.com/R3E-Network/mixer/internal/pool"
	"github.com/R3E-Network/mixer/internal/scheduler"
	"github.com/R3E-Network/mixer/internal/storage"
	"github.com/R3E-Network/mixer/internal/storage/memory"
)

// testConfig shrinks every delay so a full phase machine runs in well under
// a second against the simulated gateway.
func testConfig() Config {
	return Config{
		MaxConcurrentMixes:      8,
		MinPoolSize:             10,
		MinCoinjoinParticipants: 3,
		PhaseDelay:              20 * time.Millisecond,
		MaxMixingTime:           time.Minute,
		MaxRetryAttempts:        3,
		ShutdownTimeout:         2 * time.Second,
		CoordinationTimeout:     100 * time.Millisecond,
		SigningTimeout:          100 * time.Millisecond,
		MinChunkAmount:          250,
		ConfirmPollInterval:     5 * time.Millisecond,
		DistributionJitter:      40 * time.Millisecond,
	}
}

// newTestEngine wires a memory store, simulated gateway, pool manager, and
// scheduler into an Engine, starting the scheduler and engine. The returned
// cleanup stops both.
func newTestEngine(t *testing.T, store *memory.Store) (*Engine, func()) {
	t.Helper()

	gw := simulated.New()
	gw.BlockInterval = 2 * time.Millisecond
	pm := pool.New(store, pool.Config{MinPoolSize: 10}, nil, nil)

	var eng *Engine
	sch := scheduler.New(store, scheduler.HandlerFunc(func(ctx context.Context, tx storage.Store, job storage.SchedulerJob) error {
		return eng.FireJob(ctx, tx, job)
	}), scheduler.Config{PollInterval: 5 * time.Millisecond}, nil, nil)
	eng = New(store, gw, pm, sch, testConfig(), nil, nil)

	ctx := context.Background()
	if err := sch.Start(ctx); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	return eng, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(stopCtx)
		_ = sch.Stop(stopCtx)
	}
}

func seedPoolWallet(t *testing.T, store *memory.Store, address string, balance ledger.Amount) mixer.Wallet {
	t.Helper()
	w, err := store.CreateWallet(context.Background(), mixer.Wallet{
		Address: address, Currency: ledger.BTC, Type: mixer.WalletPool,
		Balance: balance, IsActive: true, Status: mixer.WalletStatusActive,
	})
	if err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	return w
}

func newBTCRequest(amount ledger.Amount) mixer.MixRequest {
	now := time.Now().UTC()
	return mixer.MixRequest{
		Currency:       ledger.BTC,
		InputAmount:    amount,
		DepositAddress: "deposit-addr",
		OutputAddresses: []mixer.OutputSplit{
			{Address: "payout-addr", PercentBasisPoints: 10000},
		},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func waitForStatus(t *testing.T, store *memory.Store, id string, want mixer.Status, within time.Duration) mixer.MixRequest {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		req, err := store.GetMixRequest(context.Background(), id)
		if err == nil && req.Status == want {
			return req
		}
		if time.Now().After(deadline) {
			t.Fatalf("mix request %s never reached %s (last: %s, error_message: %q)", id, want, req.Status, req.ErrorMessage)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSelectStrategyFastMixWhenPoolEmptyAndNoCandidates(t *testing.T) {
	store := memory.New()
	eng, stop := newTestEngine(t, store)
	defer stop()

	sel, err := eng.selectStrategy(context.Background(), newBTCRequest(1000))
	if err != nil {
		t.Fatalf("select strategy: %v", err)
	}
	if sel.strategy != mixer.StrategyFastMix {
		t.Fatalf("expected FAST_MIX with empty pool and no candidates, got %s", sel.strategy)
	}
	if sel.anonymity != mixer.AnonymityLow {
		t.Fatalf("expected LOW anonymity for FAST_MIX, got %s", sel.anonymity)
	}
}

func TestSelectStrategyPoolMixingWhenPoolQualifies(t *testing.T) {
	store := memory.New()
	seedPoolWallet(t, store, "pool-1", 10000)
	eng, stop := newTestEngine(t, store)
	defer stop()

	sel, err := eng.selectStrategy(context.Background(), newBTCRequest(1000))
	if err != nil {
		t.Fatalf("select strategy: %v", err)
	}
	if sel.strategy != mixer.StrategyPoolMixing {
		t.Fatalf("expected POOL_MIXING with a qualifying pool, got %s", sel.strategy)
	}
}

func TestSelectStrategyCoinJoinWithEnoughCandidates(t *testing.T) {
	store := memory.New()
	seedPoolWallet(t, store, "pool-1", 10000) // a qualifying pool must not outrank CoinJoin
	eng, stop := newTestEngine(t, store)
	defer stop()

	ctx := context.Background()
	for _, addr := range []string{"cand-1", "cand-2"} {
		cand := newBTCRequest(1000)
		cand.DepositAddress = addr
		cand.Status = mixer.StatusPending
		if _, err := store.CreateMixRequest(ctx, cand); err != nil {
			t.Fatalf("seed candidate: %v", err)
		}
	}

	sel, err := eng.selectStrategy(ctx, newBTCRequest(1050))
	if err != nil {
		t.Fatalf("select strategy: %v", err)
	}
	if sel.strategy != mixer.StrategyCoinJoin {
		t.Fatalf("expected COINJOIN with 2 candidates in band, got %s", sel.strategy)
	}
	if len(sel.candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(sel.candidates))
	}
}

func TestSelectStrategyIgnoresCandidatesOutsideAmountBand(t *testing.T) {
	store := memory.New()
	eng, stop := newTestEngine(t, store)
	defer stop()

	ctx := context.Background()
	for _, amount := range []ledger.Amount{500, 2000} { // both outside ±10% of 1000
		cand := newBTCRequest(amount)
		cand.Status = mixer.StatusPending
		if _, err := store.CreateMixRequest(ctx, cand); err != nil {
			t.Fatalf("seed candidate: %v", err)
		}
	}

	sel, err := eng.selectStrategy(ctx, newBTCRequest(1000))
	if err != nil {
		t.Fatalf("select strategy: %v", err)
	}
	if sel.strategy == mixer.StrategyCoinJoin {
		t.Fatalf("candidates outside the amount band must not form a CoinJoin")
	}
}

func TestSubmitRejectsWhenNotRunning(t *testing.T) {
	store := memory.New()
	gw := simulated.New()
	pm := pool.New(store, pool.Config{}, nil, nil)
	sch := scheduler.New(store, scheduler.HandlerFunc(nil), scheduler.Config{}, nil, nil)
	eng := New(store, gw, pm, sch, testConfig(), nil, nil)

	if _, err := eng.Submit(context.Background(), newBTCRequest(1000)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestSubmitRejectsInvalidSplit(t *testing.T) {
	store := memory.New()
	eng, stop := newTestEngine(t, store)
	defer stop()

	req := newBTCRequest(1000)
	req.OutputAddresses = []mixer.OutputSplit{{Address: "a", PercentBasisPoints: 9000}}
	if _, err := eng.Submit(context.Background(), req); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for splits not summing to 10000, got %v", err)
	}
}

func TestPoolMixHappyPath(t *testing.T) {
	store := memory.New()
	seedPoolWallet(t, store, "pool-1", 10000)
	eng, stop := newTestEngine(t, store)
	defer stop()

	ctx := context.Background()
	accepted, err := eng.Submit(ctx, newBTCRequest(1000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if accepted.Strategy != mixer.StrategyPoolMixing {
		t.Fatalf("expected POOL_MIXING, got %s", accepted.Strategy)
	}

	done := waitForStatus(t, store, accepted.MixRequestID, mixer.StatusCompleted, 10*time.Second)

	if _, err := store.GetDepositAddressByMixRequest(ctx, done.ID); err != nil {
		t.Fatalf("expected a deposit address row for the request: %v", err)
	}
	outs, err := store.ListOutputTransactions(ctx, done.ID)
	if err != nil {
		t.Fatalf("list outputs: %v", err)
	}
	if len(outs) != 1 {
		t.Fatalf("expected one output transaction, got %d", len(outs))
	}
	if outs[0].Status != mixer.OutputConfirmed {
		t.Fatalf("expected output CONFIRMED, got %s", outs[0].Status)
	}
	if outs[0].TxID == "" {
		t.Fatalf("expected a broadcast txid on the confirmed output")
	}
	if outs[0].Amount != 1000 {
		t.Fatalf("expected full amount paid to the single 10000bp output, got %d", outs[0].Amount)
	}
}

func TestCoinJoinFormationSharesOneJointTxid(t *testing.T) {
	store := memory.New()
	eng, stop := newTestEngine(t, store)
	defer stop()

	ctx := context.Background()
	candidateIDs := make([]string, 0, 2)
	for _, addr := range []string{"cand-1", "cand-2"} {
		cand := newBTCRequest(1000)
		cand.DepositAddress = addr
		cand.Status = mixer.StatusPending
		created, err := store.CreateMixRequest(ctx, cand)
		if err != nil {
			t.Fatalf("seed candidate: %v", err)
		}
		candidateIDs = append(candidateIDs, created.ID)
	}

	accepted, err := eng.Submit(ctx, newBTCRequest(1020))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if accepted.Strategy != mixer.StrategyCoinJoin {
		t.Fatalf("expected COINJOIN, got %s", accepted.Strategy)
	}

	waitForStatus(t, store, accepted.MixRequestID, mixer.StatusCompleted, 10*time.Second)

	var jointTxID string
	for _, id := range append(candidateIDs, accepted.MixRequestID) {
		outs, err := store.ListOutputTransactions(ctx, id)
		if err != nil {
			t.Fatalf("list outputs for %s: %v", id, err)
		}
		if len(outs) != 1 {
			t.Fatalf("expected one output per participant, got %d for %s", len(outs), id)
		}
		if outs[0].TxID == "" {
			t.Fatalf("participant %s has no joint txid", id)
		}
		if jointTxID == "" {
			jointTxID = outs[0].TxID
		}
		if outs[0].TxID != jointTxID {
			t.Fatalf("participants recorded different txids: %s vs %s", outs[0].TxID, jointTxID)
		}
	}
}

func TestCoinJoinDowngradeDoesNotCountAsRetry(t *testing.T) {
	store := memory.New()
	seedPoolWallet(t, store, "pool-1", 10000)
	eng, stop := newTestEngine(t, store)
	defer stop()

	ctx := context.Background()
	req := newBTCRequest(1000)
	req.Status = mixer.StatusDeposited
	created, err := store.CreateMixRequest(ctx, req)
	if err != nil {
		t.Fatalf("seed deposited request: %v", err)
	}

	// A CoinJoin context whose participants have all dropped out: the phase
	// machine must reselect a strategy without burning a retry attempt.
	mctx := &mixer.MixingContext{
		MixRequestID: created.ID,
		Strategy:     mixer.StrategyCoinJoin,
		StartedAt:    time.Now().UTC(),
	}
	if err := eng.runLifecycle(ctx, &created, mctx); err != nil {
		t.Fatalf("run lifecycle: %v", err)
	}

	if mctx.Strategy != mixer.StrategyPoolMixing {
		t.Fatalf("expected downgrade to POOL_MIXING with a qualifying pool, got %s", mctx.Strategy)
	}
	if mctx.RetryCount != 0 {
		t.Fatalf("strategy downgrade must not increment retry_count, got %d", mctx.RetryCount)
	}
	got, err := store.GetMixRequest(ctx, created.ID)
	if err != nil {
		t.Fatalf("get mix request: %v", err)
	}
	if got.Status != mixer.StatusCompleted {
		t.Fatalf("expected downgraded mix to complete, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("persisted retry_count must stay 0 across a downgrade, got %d", got.RetryCount)
	}
}

func TestFastMixRecordsIntermediateHops(t *testing.T) {
	store := memory.New()
	eng, stop := newTestEngine(t, store)
	defer stop()

	ctx := context.Background()
	accepted, err := eng.Submit(ctx, newBTCRequest(1000))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if accepted.Strategy != mixer.StrategyFastMix {
		t.Fatalf("expected FAST_MIX with no pool and no candidates, got %s", accepted.Strategy)
	}

	done := waitForStatus(t, store, accepted.MixRequestID, mixer.StatusCompleted, 10*time.Second)

	outs, err := store.ListOutputTransactions(ctx, done.ID)
	if err != nil {
		t.Fatalf("list outputs: %v", err)
	}
	if len(outs) != 1 || outs[0].Status != mixer.OutputConfirmed {
		t.Fatalf("expected one confirmed output, got %+v", outs)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	store := memory.New()
	eng, stop := newTestEngine(t, store)
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("second stop must be a no-op, got %v", err)
	}
	if _, err := eng.Submit(ctx, newBTCRequest(1000)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
}
