package memory

import (
	"context"
	"time"

	"github.com/R3E-Network/mixer/internal/storage"
)

func (s *Store) WriteAudit(_ context.Context, rec storage.AuditRecord) (storage.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = s.nextIDLocked()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, rec)
	return rec, nil
}

func (s *Store) ListAudit(_ context.Context, subject string, limit int) ([]storage.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.AuditRecord, 0)
	for i := len(s.audit) - 1; i >= 0; i-- {
		rec := s.audit[i]
		if subject != "" && rec.Subject != subject {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
