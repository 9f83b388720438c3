// Package scheduler implements the delayed-payout executor: a
// time-indexed queue of {fire_at, job} payouts that fires with bounded
// jitter and skips jobs whose parent MixRequest has become terminal.
// Grounded on internal/app/services/automation/scheduler.go's
// ticker+WaitGroup+tracer-span polling loop, generalized from automation
// jobs to payout jobs and given real at-most-once/cancellation semantics
// via the Store-transactional fire path spec.md §4.3 requires.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/mixer/internal/core"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/idempotency"
	"github.com/R3E-Network/mixer/internal/storage"
	"github.com/R3E-Network/mixer/internal/system"
	"github.com/R3E-Network/mixer/pkg/logger"
)

// Handler fires a single due job inside a Store transaction. Returning an
// error rolls the transaction back and leaves the job unfired, so the next
// poll tick lists it as due and fires it again; there is no backoff or
// attempt limit.
type Handler interface {
	FireJob(ctx context.Context, tx storage.Store, job storage.SchedulerJob) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tx storage.Store, job storage.SchedulerJob) error

func (f HandlerFunc) FireJob(ctx context.Context, tx storage.Store, job storage.SchedulerJob) error {
	if f == nil {
		return nil
	}
	return f(ctx, tx, job)
}

// Config carries the scheduler's timing options.
type Config struct {
	PollInterval time.Duration
	// SchedulerSkew is the tolerated late-fire window relative to fire_at
	// (default 5s). New fills in the default; the polling loop does not
	// read it.
	SchedulerSkew time.Duration
	// Idempotency is an optional distributed claim guard (see
	// internal/idempotency) that Schedule consults first when several
	// scheduler instances share one Store region; a lost claim is only
	// logged, and Schedule still round-trips the Store. Nil disables it;
	// the Store's own uniqueness constraint on (mix_id, output_index) is the
	// guarantee of record either way.
	Idempotency idempotency.Guard
	// IdempotencyTTL bounds how long a claim blocks a second Schedule call
	// for the same key before expiring.
	IdempotencyTTL time.Duration
	// MaxFiresPerSecond paces job firing so a large backlog of due payouts
	// (e.g. after a restart) does not blast the gateway in one burst.
	MaxFiresPerSecond int
}

// Scheduler is the delayed-payout executor.
type Scheduler struct {
	store   storage.Store
	handler Handler
	cfg     Config
	log     *logger.Logger
	tracer  core.Tracer

	limiter *rate.Limiter

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Scheduler)(nil)
var _ system.DescriptorProvider = (*Scheduler)(nil)

// New constructs a Scheduler backed by store, firing due jobs through
// handler.
func New(store storage.Store, handler Handler, cfg Config, log *logger.Logger, tracer core.Tracer) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	if tracer == nil {
		tracer = core.NoopTracer
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SchedulerSkew <= 0 {
		cfg.SchedulerSkew = 5 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = time.Hour
	}
	if cfg.MaxFiresPerSecond <= 0 {
		cfg.MaxFiresPerSecond = 100
	}
	return &Scheduler{
		store: store, handler: handler, cfg: cfg, log: log, tracer: tracer,
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxFiresPerSecond), cfg.MaxFiresPerSecond),
	}
}

func (s *Scheduler) Name() string { return "scheduler" }

func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "scheduler", Domain: "mixer", Layer: core.LayerEngine}.
		WithCapabilities("schedule", "fire")
}

// idempotencyKey builds the distributed-claim key for a (mixRequestID,
// outputIndex) pair, matching the Store's own uniqueness key shape.
func idempotencyKey(mixRequestID string, outputIndex int) string {
	return fmt.Sprintf("%s:%d", mixRequestID, outputIndex)
}

// Schedule enqueues job, idempotent on (MixRequestID, OutputIndex). The
// Store's own uniqueness on that key is the guarantee of record; when a
// distributed Idempotency guard is configured, a lost claim is logged as a
// signal that another instance is handling (or already handled) this key,
// but the call still round-trips the Store so the caller always gets the
// canonical job back.
func (s *Scheduler) Schedule(ctx context.Context, mixRequestID string, outputIndex int, fireAt time.Time, payload map[string]string) (storage.SchedulerJob, error) {
	if s.cfg.Idempotency != nil {
		key := idempotencyKey(mixRequestID, outputIndex)
		if claimed, err := s.cfg.Idempotency.Claim(ctx, key, s.cfg.IdempotencyTTL); err != nil {
			s.log.WithError(err).Warn("scheduler: idempotency claim failed, falling back to store uniqueness")
		} else if !claimed {
			s.log.WithField("key", key).Debug("scheduler: idempotency claim already held elsewhere")
		}
	}

	job, _, err := s.store.ScheduleJob(ctx, storage.SchedulerJob{
		MixRequestID: mixRequestID,
		OutputIndex:  outputIndex,
		FireAt:       fireAt,
		Payload:      payload,
	})
	if err != nil {
		return storage.SchedulerJob{}, fmt.Errorf("scheduler: schedule: %w", err)
	}
	return job, nil
}

// Cancel removes all not-yet-fired jobs belonging to mixRequestID —
// cancelled/failed mixes must not pay out (spec.md §4.3/§5).
func (s *Scheduler) Cancel(ctx context.Context, mixRequestID string) error {
	return s.store.CancelJobsForMixRequest(ctx, mixRequestID)
}

// Start begins the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()

	s.log.Info("scheduler started")
	return nil
}

// Stop halts the polling loop, waiting for in-flight ticks to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	// The due window ends at the current time, so no job fires before its
	// fire_at. How late a job fires depends on PollInterval and the fire
	// rate limiter; SchedulerSkew is not applied here.
	asOf := time.Now().UTC()
	jobs, err := s.store.ListDueJobs(ctx, asOf, 0)
	if err != nil {
		s.log.WithError(err).Warn("scheduler tick: list due jobs failed")
		return
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func(job storage.SchedulerJob) {
			defer wg.Done()
			s.fire(ctx, job)
		}(job)
	}
	wg.Wait()
}

// fire invokes the handler inside a Store transaction, first checking the
// parent MixRequest's state: jobs whose parent has become CANCELLED/FAILED
// are skipped, not fired (spec.md §4.3).
func (s *Scheduler) fire(ctx context.Context, job storage.SchedulerJob) {
	spanCtx, done := s.tracer.StartSpan(ctx, "scheduler.fire", map[string]string{
		"mix_id": job.MixRequestID,
	})

	err := s.store.WithTx(spanCtx, func(ctx context.Context, tx storage.Store) error {
		parent, err := tx.GetMixRequest(ctx, job.MixRequestID)
		if err != nil {
			return fmt.Errorf("scheduler: load parent: %w", err)
		}
		if parent.Status == mixer.StatusCancelled || parent.Status == mixer.StatusFailed {
			return tx.MarkJobFired(ctx, job.ID, time.Now().UTC())
		}
		if err := s.handler.FireJob(ctx, tx, job); err != nil {
			return err
		}
		return tx.MarkJobFired(ctx, job.ID, time.Now().UTC())
	})
	done(err)
	if err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Warn("scheduler: fire failed, job remains due for retry")
	}
}

// JitteredDelay returns a delay in [0, maxJitter), used by DISTRIBUTION to
// decorrelate payout timing (spec.md §4.1: delay_seconds + uniform(0, 3600s)).
func JitteredDelay(maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(maxJitter)))
}
