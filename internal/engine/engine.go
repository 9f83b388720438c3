// Package engine implements the MixingEngine: admission control, strategy
// selection, and the three mixing-strategy phase machines (COINJOIN,
// POOL_MIXING, FAST_MIX) that drive a MixRequest from PENDING to COMPLETED.
// Grounded on services/mixer/mixing.go's startMixing/runMixingLoop
// lifecycle, generalized from a single fixed strategy to the
// selection-then-dispatch shape spec.md §4 requires, and on spec.md §9's
// guidance to keep MixingContext state under a single owner rather than a
// lock held across suspension points.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/mixer/internal/core"
	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/gateway"
	"github.com/R3E-Network/mixer/internal/pool"
	"github.com/R3E-Network/mixer/internal/scheduler"
	"github.com/R3E-Network/mixer/internal/storage"
	"github.com/R3E-Network/mixer/internal/system"
	"github.com/R3E-Network/mixer/pkg/logger"
)

// Accepted is returned by Submit once a request clears admission.
type Accepted struct {
	MixRequestID string
	Strategy     mixer.Strategy
	Anonymity    mixer.Anonymity
	ETA          time.Duration
}

// claim tracks which mix ID is coordinating which CoinJoin participant.
// Participants poll the Store for their own broadcast outputs rather than
// being signalled directly — see awaitParticipation() in phase_coinjoin.go.
type claim struct {
	coordinatorID string
	claimedAt     time.Time
}

// Engine is the MixingEngine.
type Engine struct {
	store storage.Store
	gw    gateway.Gateway
	pool  *pool.Manager
	sched *scheduler.Scheduler
	cfg   Config
	log   *logger.Logger
	tracer core.Tracer

	sem    chan struct{} // admission cap (max_concurrent_mixes)
	events chan Event

	mu       sync.Mutex
	contexts map[string]*mixer.MixingContext
	claims   map[string]claim // participant mix ID -> coordinator claim
	cancels  map[string]context.CancelFunc

	runCtx    context.Context
	runCancel context.CancelFunc
	running   bool
	wg        sync.WaitGroup
}

// New constructs a MixingEngine. gw, st, pm, and sch must be non-nil. New
// does not attach the engine to sch: the caller passes the engine (or a
// forwarder to it) as sch's Handler for DISTRIBUTION-phase payouts.
func New(st storage.Store, gw gateway.Gateway, pm *pool.Manager, sch *scheduler.Scheduler, cfg Config, log *logger.Logger, tracer core.Tracer) *Engine {
	if log == nil {
		log = logger.NewDefault("engine")
	}
	if tracer == nil {
		tracer = core.NoopTracer
	}
	cfg.applyDefaults()
	return &Engine{
		store:    st,
		gw:       gw,
		pool:     pm,
		sched:    sch,
		cfg:      cfg,
		log:      log,
		tracer:   tracer,
		sem:      make(chan struct{}, cfg.MaxConcurrentMixes),
		events:   make(chan Event, 256),
		contexts: make(map[string]*mixer.MixingContext),
		claims:   make(map[string]claim),
		cancels:  make(map[string]context.CancelFunc),
	}
}

func (e *Engine) Name() string { return "mixing_engine" }

var _ system.Service = (*Engine)(nil)
var _ system.DescriptorProvider = (*Engine)(nil)
var _ scheduler.Handler = (*Engine)(nil)

// Descriptor advertises the engine's architectural placement.
func (e *Engine) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "mixing_engine", Domain: "mixer", Layer: core.LayerEngine}.
		WithCapabilities("submit", "status", "coinjoin", "pool_mixing", "fast_mix")
}

// Start begins accepting submissions and resumes any non-terminal requests
// left over from a prior run — recoverability is entirely through the
// Store (spec.md §5); no in-memory state survives a restart.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.runCtx, e.runCancel = context.WithCancel(ctx)
	e.running = true
	e.mu.Unlock()

	pending, err := e.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("engine: resume: list non-terminal: %w", err)
	}
	for _, req := range pending {
		req := req
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.drive(e.runCtx, req, nil)
		}()
	}

	e.log.WithField("resumed", len(pending)).Info("mixing engine started")
	return nil
}

// Stop signals every active mix to wind down and waits up to
// cfg.ShutdownTimeout for them to acknowledge.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.runCancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.wg.Wait()
	}()

	timeout := e.cfg.ShutdownTimeout
	select {
	case <-done:
	case <-time.After(timeout):
		e.log.Warn("mixing engine: shutdown timeout exceeded, contexts abandoned to next restart's resume scan")
	case <-ctx.Done():
		return ctx.Err()
	}

	e.log.Info("mixing engine stopped")
	return nil
}

// Submit validates and admits req, selecting its strategy synchronously and
// returning immediately; the phase machine runs in the background. Strategy
// selection runs before the request holds one of the max_concurrent_mixes
// slots: the slot is taken by the background phase machine, not by Submit.
// Submit rejects when the engine is
// not running, validation fails, or the non-terminal backlog has reached
// its ceiling.
func (e *Engine) Submit(ctx context.Context, req mixer.MixRequest) (Accepted, error) {
	e.mu.Lock()
	running := e.running
	backlog := len(e.contexts)
	e.mu.Unlock()
	if !running {
		return Accepted{}, ErrNotRunning
	}
	if backlog >= e.cfg.QueueCeiling {
		return Accepted{}, fmt.Errorf("%w: %d non-terminal requests queued", ErrCapacityReached, backlog)
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	req.Status = mixer.StatusPending

	if err := req.Validate(); err != nil {
		return Accepted{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	sel, err := e.selectStrategy(ctx, req)
	if err != nil {
		return Accepted{}, err
	}

	created, err := e.store.CreateMixRequest(ctx, req)
	if err != nil {
		return Accepted{}, fmt.Errorf("engine: create mix request: %w", err)
	}
	if _, err := e.store.CreateDepositAddress(ctx, mixer.DepositAddress{
		ID:           uuid.NewString(),
		MixRequestID: created.ID,
		Address:      created.DepositAddress,
		Currency:     string(created.Currency),
		CreatedAt:    now,
	}); err != nil {
		return Accepted{}, fmt.Errorf("engine: create deposit address: %w", err)
	}

	mctx := &mixer.MixingContext{
		MixRequestID: created.ID,
		SessionID:    uuid.NewString(),
		MixingID:     uuid.NewString(),
		Strategy:     sel.strategy,
		Anonymity:    sel.anonymity,
		StartedAt:    now,
		EstimatedCompletion: now.Add(sel.eta),
	}
	if sel.strategy == mixer.StrategyCoinJoin {
		mctx.CoordinationID = uuid.NewString()
		for _, c := range sel.candidates {
			mctx.Participants = append(mctx.Participants, c.ID)
		}
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return Accepted{}, ErrNotRunning
	}
	e.contexts[created.ID] = mctx
	e.mu.Unlock()

	e.emit(Event{Kind: "mix:submitted", MixID: created.ID, Detail: string(sel.strategy)})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(e.runCtx, created, mctx)
	}()

	return Accepted{MixRequestID: created.ID, Strategy: sel.strategy, Anonymity: sel.anonymity, ETA: sel.eta}, nil
}

// Status returns the current MixRequest row and, if the engine is still
// actively driving it, its in-memory MixingContext snapshot.
func (e *Engine) Status(ctx context.Context, mixID string) (mixer.MixRequest, *mixer.MixingContext, error) {
	req, err := e.store.GetMixRequest(ctx, mixID)
	if err != nil {
		return mixer.MixRequest{}, nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	e.mu.Lock()
	mctx := e.contexts[mixID]
	var snapshot *mixer.MixingContext
	if mctx != nil {
		cp := *mctx
		snapshot = &cp
	}
	e.mu.Unlock()
	return req, snapshot, nil
}

// drive owns mctx for the lifetime of one mix: it is never accessed from
// more than this one goroutine while a phase is executing, matching
// spec.md §9's single-owner-over-shared-map guidance. mctx may be nil on
// resume from restart: CoinJoin groupings and chunk plans do not survive a
// restart, so drive derives a fresh context from the persisted MixRequest by
// re-running strategy selection (a CoinJoin selected here carries no
// participants and downgrades to POOL_MIXING on its first run).
func (e *Engine) drive(ctx context.Context, req mixer.MixRequest, mctx *mixer.MixingContext) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-e.sem }()

	defer func() {
		e.mu.Lock()
		delete(e.contexts, req.ID)
		delete(e.claims, req.ID)
		e.mu.Unlock()
	}()

	if mctx == nil {
		sel, err := e.selectStrategy(ctx, req)
		if err != nil {
			e.fail(ctx, req, err)
			return
		}
		mctx = &mixer.MixingContext{
			MixRequestID: req.ID,
			SessionID:    uuid.NewString(),
			MixingID:     uuid.NewString(),
			Strategy:     sel.strategy,
			Anonymity:    sel.anonymity,
			StartedAt:    time.Now().UTC(),
		}
		e.mu.Lock()
		e.contexts[req.ID] = mctx
		e.mu.Unlock()
	}

	deadline := mctx.StartedAt.Add(e.cfg.MaxMixingTime)
	timeoutCtx, cancelTimeout := context.WithDeadline(ctx, deadline)
	defer cancelTimeout()

	err := e.runLifecycle(timeoutCtx, &req, mctx)
	if err != nil {
		if timeoutCtx.Err() != nil && ctx.Err() == nil {
			e.emit(Event{Kind: "mix:timeout", MixID: req.ID})
			e.fail(ctx, req, ErrTimeout)
			return
		}
		e.fail(ctx, req, err)
		return
	}

	e.emit(Event{Kind: "mix:completed", MixID: req.ID})
}

// runLifecycle advances req from its current status through DEPOSITED and
// into the strategy's own phase machine, with linear retry backoff on
// phase errors (60s * retry_count, spec.md §4.1 Open Question decision).
func (e *Engine) runLifecycle(ctx context.Context, req *mixer.MixRequest, mctx *mixer.MixingContext) error {
	if req.Status == mixer.StatusPending {
		if err := e.waitForDeposit(ctx, req); err != nil {
			return err
		}
	}

	for {
		if coordinatorID, waiting := e.checkClaimed(req.ID); waiting {
			if err := e.awaitParticipation(ctx, req, mctx, coordinatorID); err != nil {
				if err == ErrStrategyDowngrade {
					e.emit(Event{Kind: "mix:downgrade", MixID: req.ID})
					mctx.Strategy = downgradeStrategy(mctx.Strategy)
					mctx.CurrentPhase = ""
					mctx.Progress = 0
					continue
				}
				return err
			}
			return nil
		}

		var err error
		switch mctx.Strategy {
		case mixer.StrategyCoinJoin:
			err = e.runCoinJoin(ctx, req, mctx)
		case mixer.StrategyPoolMixing:
			err = e.runPoolMixing(ctx, req, mctx)
		default:
			err = e.runFastMix(ctx, req, mctx)
		}

		if err == nil {
			return nil
		}

		if err == ErrStrategyDowngrade {
			e.emit(Event{Kind: "mix:downgrade", MixID: req.ID})
			downgraded := downgradeStrategy(mctx.Strategy)
			mctx.Strategy = downgraded
			mctx.CurrentPhase = ""
			mctx.Progress = 0
			mctx.CoordinationID = ""
			mctx.Participants = nil
			continue
		}

		if !isRetryable(err) || mctx.RetryCount >= e.cfg.MaxRetryAttempts {
			return err
		}
		mctx.RetryCount++
		req.RetryCount = mctx.RetryCount
		backoff := time.Duration(mctx.RetryCount) * 60 * time.Second
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// downgradeStrategy is the fallback ladder a formation failure follows:
// COINJOIN without enough surviving participants retries as POOL_MIXING,
// and POOL_MIXING without pool liquidity falls back to FAST_MIX.
func downgradeStrategy(s mixer.Strategy) mixer.Strategy {
	switch s {
	case mixer.StrategyCoinJoin:
		return mixer.StrategyPoolMixing
	default:
		return mixer.StrategyFastMix
	}
}

// waitForDeposit blocks until the gateway observes req.DepositAddress
// reaching its currency's required confirmation count, then transitions
// the request PENDING -> DEPOSITED.
func (e *Engine) waitForDeposit(ctx context.Context, req *mixer.MixRequest) error {
	events, err := e.gw.ObserveDeposits(ctx, req.Currency, req.DepositAddress)
	if err != nil {
		return fmt.Errorf("engine: observe deposits: %w", err)
	}
	needed := req.Currency.Confirmations()
	for evt := range events {
		if evt.Confirmations >= needed {
			now := time.Now().UTC()
			req.Status = mixer.StatusDeposited
			req.UpdatedAt = now
			req.DepositConfirmedAt = &now
			updated, err := e.store.UpdateMixRequest(ctx, *req)
			if err != nil {
				return fmt.Errorf("engine: persist deposited: %w", err)
			}
			*req = updated
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("engine: deposit observation ended before reaching %d confirmations", needed)
}

// transition persists a MixRequest status change.
func (e *Engine) transition(ctx context.Context, req *mixer.MixRequest, status mixer.Status) error {
	req.Status = status
	req.UpdatedAt = time.Now().UTC()
	updated, err := e.store.UpdateMixRequest(ctx, *req)
	if err != nil {
		return fmt.Errorf("engine: transition to %s: %w", status, err)
	}
	*req = updated
	return nil
}

// fail marks req FAILED (or CANCELLED if the engine itself is shutting
// down) with err's message, using the background context so the write
// survives a cancelled drive context.
func (e *Engine) fail(ctx context.Context, req mixer.MixRequest, err error) {
	status := mixer.StatusFailed
	if ctx.Err() != nil {
		status = mixer.StatusCancelled
	}
	req.Status = status
	req.UpdatedAt = time.Now().UTC()
	req.ErrorMessage = err.Error()
	bg := context.Background()
	if _, uerr := e.store.UpdateMixRequest(bg, req); uerr != nil {
		e.log.WithError(uerr).WithField("mix_id", req.ID).Error("engine: failed to persist failure status")
	}
	if serr := e.sched.Cancel(bg, req.ID); serr != nil {
		e.log.WithError(serr).WithField("mix_id", req.ID).Warn("engine: failed to cancel scheduled payouts")
	}
	e.emit(Event{Kind: "mix:failed", MixID: req.ID, Detail: err.Error()})
	e.log.WithField("mix_id", req.ID).WithError(err).Warn("mix request failed")
}

// watchConfirmations polls the gateway until txid reaches the currency's
// confirmation threshold or ctx is cancelled, marking the corresponding
// OutputTransaction CONFIRMED. It is the non-blocking tail end of a
// broadcast, kept outside any held Store transaction (spec.md §5).
func (e *Engine) watchConfirmations(ctx context.Context, out mixer.OutputTransaction, currency ledger.Currency) error {
	needed := currency.Confirmations()
	ticker := time.NewTicker(e.cfg.ConfirmPollInterval)
	defer ticker.Stop()
	for {
		n, err := e.gw.GetConfirmations(ctx, currency, out.TxID)
		if err != nil {
			return fmt.Errorf("engine: get confirmations: %w", err)
		}
		if n >= needed {
			out.Confirmations = n
			out.Status = mixer.OutputConfirmed
			out.UpdatedAt = time.Now().UTC()
			if _, err := e.store.UpdateOutputTransaction(ctx, out); err != nil {
				return fmt.Errorf("engine: mark output confirmed: %w", err)
			}
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// FireJob implements scheduler.Handler for POOL_MIXING's DISTRIBUTION
// phase: it broadcasts the payout recorded in the job's payload. The
// mix's own drive() goroutine (blocked in awaitCompletion) observes the
// resulting BROADCAST status and takes over confirmation-watching — no
// separate goroutine is spawned here, keeping exactly one actor per mix.
func (e *Engine) FireJob(ctx context.Context, tx storage.Store, job storage.SchedulerJob) error {
	outputID := job.Payload["output_transaction_id"]
	out, err := tx.GetOutputTransaction(ctx, outputID)
	if err != nil {
		return fmt.Errorf("engine: fire job: load output: %w", err)
	}
	if out.Status != mixer.OutputPending {
		return nil // already broadcast by a previous, retried attempt
	}

	req, err := tx.GetMixRequest(ctx, job.MixRequestID)
	if err != nil {
		return fmt.Errorf("engine: fire job: load mix request: %w", err)
	}

	signed := buildSimplePayout(req.Currency, out.Address, out.Amount)
	txid, err := e.gw.Broadcast(ctx, signed, fmt.Sprintf("%s:%d", job.MixRequestID, job.OutputIndex))
	if err != nil {
		return fmt.Errorf("engine: fire job: broadcast: %w", err)
	}

	out.TxID = txid
	out.Status = mixer.OutputBroadcast
	out.UpdatedAt = time.Now().UTC()
	if _, err := tx.UpdateOutputTransaction(ctx, out); err != nil {
		return fmt.Errorf("engine: fire job: record broadcast: %w", err)
	}
	return nil
}

// awaitCompletion watches every OutputTransaction already recorded for req
// through to CONFIRMED — waiting out a pending scheduled broadcast first if
// needed — then transitions req to COMPLETED. It is the common tail end of
// all three phase machines.
func (e *Engine) awaitCompletion(ctx context.Context, req *mixer.MixRequest) error {
	outs, err := e.store.ListOutputTransactions(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("engine: list outputs: %w", err)
	}
	if len(outs) == 0 {
		return fmt.Errorf("engine: no output transactions recorded for completion")
	}
	for _, out := range outs {
		if out.Status == mixer.OutputConfirmed {
			continue
		}
		if out.Status == mixer.OutputPending {
			broadcast, err := e.waitForBroadcast(ctx, out.ID)
			if err != nil {
				return err
			}
			out = broadcast
		}
		if err := e.watchConfirmations(ctx, out, req.Currency); err != nil {
			return err
		}
	}
	return e.transition(ctx, req, mixer.StatusCompleted)
}

// waitForBroadcast polls an OutputTransaction row until the scheduler's
// FireJob handler has broadcast it (or marked it FAILED).
func (e *Engine) waitForBroadcast(ctx context.Context, outputID string) (mixer.OutputTransaction, error) {
	ticker := time.NewTicker(e.cfg.ConfirmPollInterval)
	defer ticker.Stop()
	for {
		out, err := e.store.GetOutputTransaction(ctx, outputID)
		if err != nil {
			return mixer.OutputTransaction{}, fmt.Errorf("engine: wait for broadcast: %w", err)
		}
		switch out.Status {
		case mixer.OutputBroadcast, mixer.OutputConfirmed:
			return out, nil
		case mixer.OutputFailed:
			return mixer.OutputTransaction{}, fmt.Errorf("engine: output %s failed to broadcast", outputID)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return mixer.OutputTransaction{}, ctx.Err()
		}
	}
}

// checkClaimed reports whether mixID has been claimed by another mix as a
// CoinJoin participant, returning the coordinator's mix ID.
func (e *Engine) checkClaimed(mixID string) (coordinatorID string, claimed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.claims[mixID]
	if !ok || c.coordinatorID == mixID {
		return "", false
	}
	return c.coordinatorID, true
}

// tryClaim attempts to register coordinatorID as the exclusive claimant of
// participantID. It fails if participantID is already claimed by a
// different coordinator.
func (e *Engine) tryClaim(participantID, coordinatorID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.claims[participantID]; ok && existing.coordinatorID != coordinatorID {
		return false
	}
	e.claims[participantID] = claim{coordinatorID: coordinatorID, claimedAt: time.Now().UTC()}
	return true
}

// releaseClaims removes every claim a coordinator holds over the given
// participant IDs, letting them re-enter candidate pools for a future
// coordination attempt.
func (e *Engine) releaseClaims(participantIDs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range participantIDs {
		delete(e.claims, id)
	}
}

// buildSimplePayout constructs a single-input-shaped SignedTx placeholder
// for a direct (non-joint) payout. The simulated gateway does not read
// Payload (its confirmations advance on each GetConfirmations poll); a real
// adapter would serialize an actual signed transaction here.
func buildSimplePayout(currency ledger.Currency, address string, amount ledger.Amount) gateway.SignedTx {
	return gateway.SignedTx{
		Currency: currency,
		Payload:  []byte(fmt.Sprintf(`{"to":%q,"amount":%d}`, address, int64(amount))),
	}
}
