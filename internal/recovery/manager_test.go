package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/storage/memory"
)

func TestQuickHealthScanResetsIdleMixingRequest(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	req, err := store.CreateMixRequest(ctx, mixer.MixRequest{
		Currency: ledger.BTC, InputAmount: 100, Status: mixer.StatusMixing,
		OutputAddresses: []mixer.OutputSplit{{Address: "a", PercentBasisPoints: 10000}},
	})
	if err != nil {
		t.Fatalf("create mix request: %v", err)
	}
	req.UpdatedAt = time.Now().Add(-3 * time.Hour)
	if _, err := store.UpdateMixRequest(ctx, req); err != nil {
		t.Fatalf("backdate mix request: %v", err)
	}

	m := New(store, Config{MixingIdleTimeout: time.Hour}, []ledger.Currency{ledger.BTC}, nil, nil)
	issues, err := m.runQuickHealthScan(ctx)
	if err != nil {
		t.Fatalf("quick health scan: %v", err)
	}
	if len(issues) != 1 || !issues[0].AutoFixed {
		t.Fatalf("expected one auto-fixed issue, got %+v", issues)
	}

	got, err := store.GetMixRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get mix request: %v", err)
	}
	if got.Status != mixer.StatusPooling {
		t.Fatalf("expected request reset to POOLING, got %s", got.Status)
	}
}

func TestIntegrityScanFlagsNegativeBalanceWithoutAutoFix(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	w, err := store.CreateWallet(ctx, mixer.Wallet{
		Address: "hot-1", Currency: ledger.BTC, Type: mixer.WalletHot,
		Balance: -50, IsActive: true, Status: mixer.WalletStatusActive,
	})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	// AdjustBalance rejects negative results by construction, so the wallet
	// is created with a negative balance directly (bypassing the domain
	// invariant, as a migration or bug might) and the scan must surface it.

	m := New(store, Config{}, []ledger.Currency{ledger.BTC}, nil, nil)
	issues, err := m.runIntegrityScan(ctx)
	if err != nil {
		if _, ok := err.(*ErrTooManyInconsistencies); !ok {
			t.Fatalf("integrity scan: %v", err)
		}
	}
	var flagged bool
	for _, issue := range issues {
		if issue.Category == CategoryBalanceMismatch && issue.AutoFixed {
			t.Fatalf("balance mismatches must never be auto-fixed")
		}
		if issue.Category == CategoryBalanceMismatch && issue.Subject == w.ID {
			flagged = true
		}
	}
	if !flagged {
		t.Fatalf("expected negative balance wallet %s to be flagged, got %+v", w.ID, issues)
	}
}

func TestOrphanedOutputTransactionIsDeleted(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	orphan, err := store.CreateOutputTransaction(ctx, mixer.OutputTransaction{
		MixRequestID: "gone-mix", Address: "out1", Amount: 500,
		Status: mixer.OutputPending, ScheduledFor: time.Now(),
	})
	if err != nil {
		t.Fatalf("create orphan output transaction: %v", err)
	}

	m := New(store, Config{}, []ledger.Currency{ledger.BTC}, nil, nil)
	issues, err := m.runIntegrityScan(ctx)
	if err != nil {
		t.Fatalf("integrity scan: %v", err)
	}

	var fixed bool
	for _, issue := range issues {
		if issue.Category == CategoryOrphanedRecord && issue.SubjectType == SubjectOutputTransaction && issue.AutoFixed {
			fixed = true
		}
	}
	if !fixed {
		t.Fatalf("expected orphaned output transaction to be auto-fixed, got %+v", issues)
	}

	if _, err := store.GetOutputTransaction(ctx, orphan.ID); err == nil {
		t.Fatalf("expected orphaned output transaction %s to be deleted", orphan.ID)
	}
	remaining, err := store.ListOrphanedOutputTransactions(ctx)
	if err != nil {
		t.Fatalf("list orphaned output transactions: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no orphaned output transactions after fix, got %d", len(remaining))
	}

	audits, err := store.ListAudit(ctx, orphan.ID, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(audits) == 0 {
		t.Fatalf("expected an audit record for the orphan deletion")
	}
}

func TestDuplicateDepositAddressCleanupRetainsUsedRow(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	used, err := store.CreateDepositAddress(ctx, mixer.DepositAddress{
		Address: "dup-addr", Currency: "BTC", Used: true,
	})
	if err != nil {
		t.Fatalf("create used deposit address: %v", err)
	}
	unused, err := store.CreateDepositAddress(ctx, mixer.DepositAddress{
		Address: "dup-addr", Currency: "BTC", Used: false,
	})
	if err != nil {
		t.Fatalf("create unused deposit address: %v", err)
	}

	m := New(store, Config{}, []ledger.Currency{ledger.BTC}, nil, nil)
	issues, err := m.runIntegrityScan(ctx)
	if err != nil {
		t.Fatalf("integrity scan: %v", err)
	}

	var fixed bool
	for _, issue := range issues {
		if issue.Category == CategoryDuplicateAddress && issue.AutoFixed {
			fixed = true
		}
	}
	if !fixed {
		t.Fatalf("expected duplicate deposit address issue to be auto-fixed, got %+v", issues)
	}

	remaining, err := store.ListDuplicateAddresses(ctx)
	if err != nil {
		t.Fatalf("list duplicates: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no duplicate addresses after fix, got %v", remaining)
	}
	if err := store.DeleteDepositAddress(ctx, unused.ID); err == nil {
		t.Fatalf("expected unused duplicate %s to already be deleted", unused.ID)
	}
	if err := store.DeleteDepositAddress(ctx, used.ID); err != nil {
		t.Fatalf("expected used row %s to be retained: %v", used.ID, err)
	}

	audits, err := store.ListAudit(ctx, "dup-addr", 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(audits) == 0 {
		t.Fatalf("expected an audit record for the duplicate address fix")
	}
}

func TestMissingDepositRelationAutoCancelsAfterGracePeriod(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	req, err := store.CreateMixRequest(ctx, mixer.MixRequest{
		Currency: ledger.BTC, InputAmount: 100, Status: mixer.StatusPending,
		OutputAddresses: []mixer.OutputSplit{{Address: "a", PercentBasisPoints: 10000}},
		// CreateMixRequest keeps a caller-set CreatedAt; UpdateMixRequest
		// keeps the stored one.
		CreatedAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("create mix request: %v", err)
	}
	req.CreatedAt = time.Now().Add(-time.Hour)
	if _, err := store.UpdateMixRequest(ctx, req); err != nil {
		t.Fatalf("backdate mix request: %v", err)
	}

	m := New(store, Config{}, []ledger.Currency{ledger.BTC}, nil, nil)
	if _, err := m.runIntegrityScan(ctx); err != nil {
		t.Fatalf("integrity scan: %v", err)
	}

	got, err := store.GetMixRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get mix request: %v", err)
	}
	if got.Status != mixer.StatusCancelled {
		t.Fatalf("expected request auto-cancelled for missing deposit address, got %s", got.Status)
	}
}
