package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/mixer/internal/domain/ledger"
	"github.com/R3E-Network/mixer/internal/domain/mixer"
	"github.com/R3E-Network/mixer/internal/storage"
)

// StaleLockReleaser force-releases wallet locks held past a timeout. The
// pool manager satisfies this; recovery depends on the narrow interface
// instead of importing the pool package to avoid a cycle.
type StaleLockReleaser interface {
	CleanupStaleLocks(ctx context.Context, currency ledger.Currency) (int, error)
}

// WithStaleLockReleaser wires the quick-health scan's stale-lock cleanup
// step to the pool manager. Optional: without it, lock cleanup is skipped
// and only status-inconsistency detection runs.
func (m *Manager) WithStaleLockReleaser(r StaleLockReleaser) {
	m.mu.Lock()
	m.lockReleaser = r
	m.mu.Unlock()
}

// runQuickHealthScan is the 5-minute pass: status-inconsistency detection
// and stale wallet lock cleanup. It never touches balance or duplicate
// checks, which are expensive full-table scans reserved for the hourly
// integrity scan.
func (m *Manager) runQuickHealthScan(ctx context.Context) ([]Issue, error) {
	ctx, done := m.tracer.StartSpan(ctx, "recovery.quick_health_scan", nil)
	var issues []Issue
	defer func() { done(nil) }()

	now := time.Now().UTC()

	mixing, err := m.store.ListMixRequestsByStatus(ctx, mixer.StatusMixing, 0)
	if err != nil {
		return nil, fmt.Errorf("recovery: list mixing requests: %w", err)
	}
	for _, req := range mixing {
		if now.Sub(req.UpdatedAt) <= m.cfg.MixingIdleTimeout {
			continue
		}
		issue := Issue{Category: CategoryStatusInconsistency, Severity: SeverityHigh,
			Subject: req.ID, SubjectType: SubjectMixRequest,
			Detail: fmt.Sprintf("mix request idle in MIXING since %s", req.UpdatedAt)}
		if fixErr := m.resetIdleMixing(ctx, req.ID); fixErr != nil {
			m.log.WithError(fixErr).WithField("subject", req.ID).Warn("recovery: reset idle mixing failed")
		} else {
			issue.AutoFixed = true
		}
		issues = append(issues, issue)
	}

	deposited, err := m.store.ListMixRequestsByStatus(ctx, mixer.StatusDeposited, 0)
	if err != nil {
		return nil, fmt.Errorf("recovery: list deposited requests: %w", err)
	}
	for _, req := range deposited {
		if req.DepositConfirmedAt != nil {
			continue
		}
		if now.Sub(req.UpdatedAt) <= m.cfg.DepositUnconfirmedMax {
			continue
		}
		issues = append(issues, Issue{Category: CategoryStatusInconsistency, Severity: SeverityMedium,
			Subject: req.ID, SubjectType: SubjectMixRequest,
			Detail: fmt.Sprintf("deposit unconfirmed since %s", req.UpdatedAt)})
		m.audit(ctx, CategoryStatusInconsistency, req.ID, "deposit unconfirmed beyond threshold, flagged for manual review")
	}

	m.mu.Lock()
	releaser := m.lockReleaser
	m.mu.Unlock()
	if releaser != nil {
		for _, currency := range m.currencies {
			if released, err := releaser.CleanupStaleLocks(ctx, currency); err != nil {
				m.log.WithError(err).WithField("currency", string(currency)).Warn("recovery: stale lock cleanup failed")
			} else if released > 0 {
				m.log.WithField("currency", string(currency)).WithField("released", released).Info("recovery: released stale wallet locks")
			}
		}
	}

	return issues, nil
}

// resetIdleMixing transitions a stuck MIXING request back to POOLING so the
// engine can re-attempt it, recording the reset atomically with an audit
// entry (spec.md §4.4 STATUS_INCONSISTENCY auto-fix).
func (m *Manager) resetIdleMixing(ctx context.Context, mixRequestID string) error {
	return m.store.WithTx(ctx, func(ctx context.Context, tx storage.Store) error {
		req, err := tx.GetMixRequest(ctx, mixRequestID)
		if err != nil {
			return err
		}
		if req.Status != mixer.StatusMixing {
			return nil
		}
		req.Status = mixer.StatusPooling
		req.UpdatedAt = time.Now().UTC()
		if _, err := tx.UpdateMixRequest(ctx, req); err != nil {
			return err
		}
		_, err = tx.WriteAudit(ctx, storage.AuditRecord{
			Category: "recovery.status_inconsistency", Subject: req.ID,
			Message: "reset idle MIXING request back to POOLING",
		})
		return err
	})
}
