package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/mixer/internal/storage"
)

func (s *Store) WriteAudit(ctx context.Context, rec storage.AuditRecord) (storage.AuditRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO audit_log (id, category, subject, message, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, rec.ID, rec.Category, rec.Subject, rec.Message, rec.CreatedAt)
	if err != nil {
		return storage.AuditRecord{}, fmt.Errorf("postgres: insert audit record: %w", err)
	}
	return rec, nil
}

func (s *Store) ListAudit(ctx context.Context, subject string, limit int) ([]storage.AuditRecord, error) {
	query := `SELECT id, category, subject, message, created_at FROM audit_log`
	args := make([]any, 0, 2)
	if subject != "" {
		query += " WHERE subject = $1"
		args = append(args, subject)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.q(ctx).QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit records: %w", err)
	}
	defer rows.Close()

	out := make([]storage.AuditRecord, 0)
	for rows.Next() {
		var rec storage.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.Category, &rec.Subject, &rec.Message, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
