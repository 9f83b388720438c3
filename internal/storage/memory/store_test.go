package memory

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/storage"
)

func TestWalletLockContention(t *testing.T) {
	s := New()
	ctx := context.Background()

	w, err := s.CreateWallet(ctx, mixer.Wallet{
		Address: "bc1q-pool-1", Currency: ledger.BTC, Type: mixer.WalletPool,
		Balance: 100, IsActive: true, Status: mixer.WalletStatusActive,
	})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	ok, err := s.LockWallet(ctx, w.ID, "chunk-1")
	if err != nil || !ok {
		t.Fatalf("expected first lock to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = s.LockWallet(ctx, w.ID, "chunk-2")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if ok {
		t.Fatalf("expected second concurrent lock to fail")
	}

	if err := s.UnlockWallet(ctx, w.ID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	ok, err = s.LockWallet(ctx, w.ID, "chunk-2")
	if err != nil || !ok {
		t.Fatalf("expected lock after unlock to succeed, got ok=%v err=%v", ok, err)
	}
}

func TestAdjustBalanceRejectsNegative(t *testing.T) {
	s := New()
	ctx := context.Background()

	w, _ := s.CreateWallet(ctx, mixer.Wallet{
		Address: "bc1q-pool-2", Currency: ledger.BTC, Type: mixer.WalletPool,
		Balance: 50, IsActive: true, Status: mixer.WalletStatusActive,
	})

	if _, err := s.AdjustBalance(ctx, w.ID, -100); err == nil {
		t.Fatalf("expected negative balance to be rejected")
	}
	got, err := s.GetWallet(ctx, w.ID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if got.Balance != 50 {
		t.Fatalf("balance should be unchanged after rejected adjustment, got %d", got.Balance)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()

	w, _ := s.CreateWallet(ctx, mixer.Wallet{
		Address: "bc1q-pool-3", Currency: ledger.BTC, Type: mixer.WalletPool,
		Balance: 10, IsActive: true, Status: mixer.WalletStatusActive,
	})

	err := s.WithTx(ctx, func(ctx context.Context, tx storage.Store) error {
		if _, err := tx.AdjustBalance(ctx, w.ID, 5); err != nil {
			return err
		}
		return context.DeadlineExceeded
	})
	if err == nil {
		t.Fatalf("expected WithTx to propagate the inner error")
	}

	got, _ := s.GetWallet(ctx, w.ID)
	if got.Balance != 10 {
		t.Fatalf("expected rollback to restore balance 10, got %d", got.Balance)
	}
}

func TestScheduleJobIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	fireAt := time.Now().Add(time.Hour)

	job1, created1, err := s.ScheduleJob(ctx, storage.SchedulerJob{MixRequestID: "mix-1", OutputIndex: 0, FireAt: fireAt})
	if err != nil || !created1 {
		t.Fatalf("expected first schedule to create, err=%v created=%v", err, created1)
	}
	job2, created2, err := s.ScheduleJob(ctx, storage.SchedulerJob{MixRequestID: "mix-1", OutputIndex: 0, FireAt: fireAt.Add(time.Minute)})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if created2 {
		t.Fatalf("expected duplicate (mix_id, output_index) schedule to be a no-op")
	}
	if job1.ID != job2.ID {
		t.Fatalf("expected idempotent schedule to return the same job")
	}
}
