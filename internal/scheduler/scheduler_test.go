package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/storage"
	"github.com/R3E-Network/mixer/internal/storage/memory"
)

func seedMixRequest(t *testing.T, store *memory.Store, status mixer.Status) mixer.MixRequest {
	t.Helper()
	req, err := store.CreateMixRequest(context.Background(), mixer.MixRequest{
		Currency:    ledger.BTC,
		InputAmount: 1000,
		Status:      status,
		OutputAddresses: []mixer.OutputSplit{
			{Address: "out1", PercentBasisPoints: 10000},
		},
	})
	if err != nil {
		t.Fatalf("seed mix request: %v", err)
	}
	return req
}

func TestScheduleIsIdempotent(t *testing.T) {
	store := memory.New()
	req := seedMixRequest(t, store, mixer.StatusMixing)
	s := New(store, HandlerFunc(func(ctx context.Context, tx storage.Store, job storage.SchedulerJob) error { return nil }), Config{}, nil, nil)

	fireAt := time.Now().Add(time.Hour)
	first, err := s.Schedule(context.Background(), req.ID, 0, fireAt, nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	second, err := s.Schedule(context.Background(), req.ID, 0, fireAt.Add(time.Hour), nil)
	if err != nil {
		t.Fatalf("schedule again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected idempotent schedule to return the same job, got %s and %s", first.ID, second.ID)
	}
}

func TestFireSkipsCancelledParent(t *testing.T) {
	store := memory.New()
	req := seedMixRequest(t, store, mixer.StatusCancelled)

	var handlerCalled int32
	s := New(store, HandlerFunc(func(ctx context.Context, tx storage.Store, job storage.SchedulerJob) error {
		atomic.AddInt32(&handlerCalled, 1)
		return nil
	}), Config{}, nil, nil)

	job, err := s.Schedule(context.Background(), req.ID, 0, time.Now().Add(-time.Minute), nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	s.fire(context.Background(), job)

	if atomic.LoadInt32(&handlerCalled) != 0 {
		t.Fatalf("handler must not fire for a cancelled parent mix request")
	}

	due, err := store.ListDueJobs(context.Background(), time.Now().Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("list due jobs: %v", err)
	}
	for _, d := range due {
		if d.ID == job.ID {
			t.Fatalf("expected job to be marked fired even though handler was skipped")
		}
	}
}

func TestFireReenqueuesOnHandlerError(t *testing.T) {
	store := memory.New()
	req := seedMixRequest(t, store, mixer.StatusMixing)

	s := New(store, HandlerFunc(func(ctx context.Context, tx storage.Store, job storage.SchedulerJob) error {
		return context.DeadlineExceeded
	}), Config{}, nil, nil)

	job, err := s.Schedule(context.Background(), req.ID, 0, time.Now().Add(-time.Minute), nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	s.fire(context.Background(), job)

	due, err := store.ListDueJobs(context.Background(), time.Now().Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("list due jobs: %v", err)
	}
	found := false
	for _, d := range due {
		if d.ID == job.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected job to remain due for retry after handler failure")
	}
}
