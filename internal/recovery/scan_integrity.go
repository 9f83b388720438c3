package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/storage"
)

// runIntegrityScan performs the full hourly sweep: balance checks, orphan
// detection, duplicate detection, and missing-relation detection across all
// tracked currencies. Findings beyond cfg.MaxInconsistentRecords abort the
// fix phase so a systemic failure is surfaced rather than silently patched
// record-by-record (spec.md §4.4).
func (m *Manager) runIntegrityScan(ctx context.Context) ([]Issue, error) {
	ctx, done := m.tracer.StartSpan(ctx, "recovery.integrity_scan", nil)
	var issues []Issue
	defer func() { done(nil) }()

	negBal, err := m.store.ListNegativeBalanceWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: list negative balance wallets: %w", err)
	}
	for _, w := range negBal {
		issues = append(issues, Issue{Category: CategoryBalanceMismatch, Severity: SeverityCritical,
			Subject: w.ID, SubjectType: SubjectWallet,
			Detail: fmt.Sprintf("wallet balance %d is negative", w.Balance)})
	}

	anomHigh, err := m.store.ListAnomalousBalanceWallets(ctx, m.cfg.AnomalousBalanceHigh)
	if err != nil {
		return nil, fmt.Errorf("recovery: list anomalous balance wallets: %w", err)
	}
	for _, w := range anomHigh {
		issues = append(issues, Issue{Category: CategoryBalanceMismatch, Severity: SeverityMedium,
			Subject: w.ID, SubjectType: SubjectWallet,
			Detail: fmt.Sprintf("wallet balance %d exceeds anomalous threshold %d", w.Balance, m.cfg.AnomalousBalanceHigh)})
	}

	dupWallets, err := m.store.ListDuplicateWalletAddresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: list duplicate wallet addresses: %w", err)
	}
	for addr, wallets := range dupWallets {
		issues = append(issues, Issue{Category: CategoryDuplicateAddress, Severity: SeverityCritical,
			Subject: addr, SubjectType: SubjectAddress,
			Detail: fmt.Sprintf("%d wallets share address %s", len(wallets), addr)})
	}

	missingDeposit, err := m.scanMissingDepositRelations(ctx)
	if err != nil {
		return nil, err
	}
	issues = append(issues, missingDeposit...)

	orphanedOutputs, err := m.store.ListOrphanedOutputTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: list orphaned output transactions: %w", err)
	}
	for _, tx := range orphanedOutputs {
		issues = append(issues, Issue{Category: CategoryOrphanedRecord, Severity: SeverityMedium,
			Subject: tx.ID, SubjectType: SubjectOutputTransaction,
			Detail: "output transaction has no matching mix request"})
	}

	orphanedDeposits, err := m.store.ListOrphanedDepositAddresses(ctx, m.cfg.UnusedAddressMax)
	if err != nil {
		return nil, fmt.Errorf("recovery: list orphaned deposit addresses: %w", err)
	}
	for _, addr := range orphanedDeposits {
		issues = append(issues, Issue{Category: CategoryOrphanedRecord, Severity: SeverityLow,
			Subject: addr.ID, SubjectType: SubjectDepositAddress,
			Detail: fmt.Sprintf("deposit address unused since %s", addr.CreatedAt)})
	}

	dupDeposits, err := m.store.ListDuplicateAddresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: list duplicate deposit addresses: %w", err)
	}
	for addr, rows := range dupDeposits {
		issues = append(issues, Issue{Category: CategoryDuplicateAddress, Severity: SeverityHigh,
			Subject: addr, SubjectType: SubjectAddress,
			Detail: fmt.Sprintf("%d deposit addresses share %s", len(rows), addr)})
	}

	if len(issues) > m.cfg.MaxInconsistentRecords {
		return issues, &ErrTooManyInconsistencies{Found: len(issues), Max: m.cfg.MaxInconsistentRecords}
	}

	if err := m.applyFixes(ctx, issues); err != nil {
		return issues, err
	}
	return issues, nil
}

// scanMissingDepositRelations finds PENDING mix requests older than a grace
// period with no deposit address row, the MISSING_RELATION class in
// spec.md §4.4 whose auto-fix is cancelling the stranded request.
func (m *Manager) scanMissingDepositRelations(ctx context.Context) ([]Issue, error) {
	pending, err := m.store.ListMixRequestsByStatus(ctx, mixer.StatusPending, 0)
	if err != nil {
		return nil, fmt.Errorf("recovery: list pending mix requests: %w", err)
	}
	withAddr, err := m.store.ListMixRequestIDsWithDepositAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: list mix requests with deposit address: %w", err)
	}
	const grace = 10 * time.Minute
	var issues []Issue
	now := time.Now().UTC()
	for _, req := range pending {
		if withAddr[req.ID] {
			continue
		}
		if now.Sub(req.CreatedAt) < grace {
			continue
		}
		issues = append(issues, Issue{Category: CategoryMissingRelation, Severity: SeverityHigh,
			Subject: req.ID, SubjectType: SubjectMixRequest,
			Detail: "pending mix request has no deposit address"})
	}
	return issues, nil
}

// applyFixes applies the auto-fix protocol: each fix runs inside its own
// Store transaction with an audit record written atomically alongside it,
// so a fix is either fully applied and logged or not applied at all.
func (m *Manager) applyFixes(ctx context.Context, issues []Issue) error {
	for i := range issues {
		issue := &issues[i]
		var fixErr error
		switch {
		case issue.Category == CategoryMissingRelation:
			fixErr = m.store.WithTx(ctx, func(ctx context.Context, tx storage.Store) error {
				req, err := tx.GetMixRequest(ctx, issue.Subject)
				if err != nil {
					return err
				}
				if req.Status != mixer.StatusPending {
					return nil
				}
				req.Status = mixer.StatusCancelled
				req.ErrorCode = "MISSING_DEPOSIT_ADDRESS"
				req.ErrorMessage = "cancelled by recovery manager: no deposit address after grace period"
				req.UpdatedAt = time.Now().UTC()
				if _, err := tx.UpdateMixRequest(ctx, req); err != nil {
					return err
				}
				_, err = tx.WriteAudit(ctx, storage.AuditRecord{
					Category: "recovery.missing_relation", Subject: req.ID,
					Message: "auto-cancelled pending mix request with no deposit address",
				})
				return err
			})
		case issue.Category == CategoryOrphanedRecord:
			fixErr = m.applyOrphanFix(ctx, issue)
		case issue.Category == CategoryDuplicateAddress && issue.Severity == SeverityHigh:
			fixErr = m.applyDuplicateDepositFix(ctx, issue)
		default:
			continue
		}
		if fixErr != nil {
			m.log.WithError(fixErr).WithField("subject", issue.Subject).Warn("recovery: auto-fix failed")
			continue
		}
		issue.AutoFixed = true
	}
	return nil
}

// applyOrphanFix deletes the orphaned row named by the issue — an
// OutputTransaction with no parent MixRequest, or a deposit address past
// retention with a terminal/absent parent — with the audit record written
// in the same transaction.
func (m *Manager) applyOrphanFix(ctx context.Context, issue *Issue) error {
	return m.store.WithTx(ctx, func(ctx context.Context, tx storage.Store) error {
		switch issue.SubjectType {
		case SubjectOutputTransaction:
			if err := tx.DeleteOutputTransaction(ctx, issue.Subject); err != nil {
				return err
			}
		case SubjectDepositAddress:
			if err := tx.DeleteDepositAddress(ctx, issue.Subject); err != nil {
				return err
			}
		default:
			return fmt.Errorf("recovery: orphan fix: unexpected subject type %q", issue.SubjectType)
		}
		_, err := tx.WriteAudit(ctx, storage.AuditRecord{
			Category: "recovery.orphaned_record", Subject: issue.Subject,
			Message: issue.Detail,
		})
		return err
	})
}

// applyDuplicateDepositFix keeps one deposit address per duplicated value
// and deletes the unused duplicates, per spec.md §4.4's DUPLICATE_ADDRESS
// auto-fix for deposit addresses (wallet duplicates are never auto-fixed).
func (m *Manager) applyDuplicateDepositFix(ctx context.Context, issue *Issue) error {
	dup, err := m.store.ListDuplicateAddresses(ctx)
	if err != nil {
		return err
	}
	rows, ok := dup[issue.Subject]
	if !ok || len(rows) < 2 {
		return nil
	}
	keep := rows[0]
	for _, row := range rows {
		if row.Used {
			keep = row
			break
		}
	}
	return m.store.WithTx(ctx, func(ctx context.Context, tx storage.Store) error {
		for _, row := range rows {
			if row.ID == keep.ID || row.Used {
				continue
			}
			if err := tx.DeleteDepositAddress(ctx, row.ID); err != nil {
				return err
			}
		}
		_, err := tx.WriteAudit(ctx, storage.AuditRecord{
			Category: "recovery.duplicate_address", Subject: issue.Subject,
			Message: fmt.Sprintf("removed %d duplicate deposit addresses, retained %s", len(rows)-1, keep.ID),
		})
		return err
	})
}
