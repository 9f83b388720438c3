package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestCreateAndGetMixRequest(t *testing.T) {
	store, mock := newMockStore(t)

	req := mixer.MixRequest{
		ID:              "mix-1",
		Currency:        ledger.BTC,
		InputAmount:     100000,
		DepositAddress:  "bc1deposit",
		OutputAddresses: []mixer.OutputSplit{{Address: "bc1out", PercentBasisPoints: 10000}},
		ExpiresAt:       time.Now().Add(time.Hour),
		Status:          mixer.StatusPending,
	}

	mock.ExpectExec(`INSERT INTO mix_requests`).WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := store.CreateMixRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("create mix request: %v", err)
	}
	if created.ID != "mix-1" {
		t.Fatalf("expected id mix-1, got %s", created.ID)
	}

	rows := sqlmock.NewRows([]string{
		"id", "currency", "input_amount", "deposit_address", "output_addresses", "delay_seconds",
		"status", "retry_count", "error_message", "error_code",
		"ip_address_enc", "user_agent_enc", "referrer_enc", "notes_enc",
		"created_at", "updated_at", "expires_at", "deposit_confirmed_at",
	}).AddRow(
		"mix-1", "BTC", int64(100000), "bc1deposit", []byte(`[{"Address":"bc1out","PercentBasisPoints":10000}]`), int64(0),
		"PENDING", 0, "", "",
		nil, nil, nil, nil,
		time.Now(), time.Now(), time.Now().Add(time.Hour), nil,
	)
	mock.ExpectQuery(`SELECT id, currency, input_amount, deposit_address, output_addresses, delay_seconds,\s*` +
		`status, retry_count, error_message, error_code,\s*` +
		`ip_address_enc, user_agent_enc, referrer_enc, notes_enc,\s*` +
		`created_at, updated_at, expires_at, deposit_confirmed_at\s*` +
		`FROM mix_requests WHERE id = \$1`).
		WithArgs("mix-1").
		WillReturnRows(rows)

	got, err := store.GetMixRequest(context.Background(), "mix-1")
	if err != nil {
		t.Fatalf("get mix request: %v", err)
	}
	if got.Currency != ledger.BTC || len(got.OutputAddresses) != 1 {
		t.Fatalf("unexpected mix request: %+v", got)
	}
	if got.OutputAddresses[0].Address != "bc1out" {
		t.Fatalf("unexpected output address: %+v", got.OutputAddresses[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLockWalletContention(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE wallets SET is_locked`).
		WithArgs("wallet-1", "engine-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.LockWallet(context.Background(), "wallet-1", "engine-1")
	if err != nil {
		t.Fatalf("lock wallet: %v", err)
	}
	if ok {
		t.Fatalf("expected lock contention (ok=false)")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestScheduleJobIdempotent(t *testing.T) {
	store, mock := newMockStore(t)

	job := storage.SchedulerJob{
		MixRequestID: "mix-1",
		OutputIndex:  0,
		FireAt:       time.Now().Add(time.Minute),
		Payload:      map[string]string{"currency": "BTC"},
	}

	mock.ExpectExec(`INSERT INTO scheduler_jobs`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rows := sqlmock.NewRows([]string{
		"id", "mix_request_id", "output_index", "fire_at", "fired", "fired_at", "payload", "created_at",
	}).AddRow("job-1", "mix-1", 0, job.FireAt, false, nil, []byte(`{"currency":"BTC"}`), time.Now())
	mock.ExpectQuery(`SELECT id, mix_request_id, output_index, fire_at, fired, fired_at, payload, created_at\s*` +
		`FROM scheduler_jobs WHERE mix_request_id = \$1 AND output_index = \$2`).
		WithArgs("mix-1", 0).
		WillReturnRows(rows)

	existing, created, err := store.ScheduleJob(context.Background(), job)
	if err != nil {
		t.Fatalf("schedule job: %v", err)
	}
	if created {
		t.Fatalf("expected created=false on conflict")
	}
	if existing.ID != "job-1" {
		t.Fatalf("expected existing job-1, got %s", existing.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO audit_log`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(ctx context.Context, tx storage.Store) error {
		_, err := tx.WriteAudit(ctx, storage.AuditRecord{
			Category: "recovery.auto_fix",
			Subject:  "wallet-1",
			Message:  "rebalanced",
		})
		return err
	})
	if err != nil {
		t.Fatalf("with tx: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO audit_log`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	wantErr := errors.New("boom")
	err := store.WithTx(context.Background(), func(ctx context.Context, tx storage.Store) error {
		if _, err := tx.WriteAudit(ctx, storage.AuditRecord{Subject: "wallet-1", Message: "attempt"}); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped wantErr, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
