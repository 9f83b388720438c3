package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/mixer/internal/storage"
)

const schedulerJobSelect = `
	SELECT id, mix_request_id, output_index, fire_at, fired, fired_at, payload, created_at
	FROM scheduler_jobs`

// ScheduleJob inserts a job, relying on the (mix_request_id, output_index)
// unique constraint to make the insert idempotent: ON CONFLICT DO NOTHING
// plus a follow-up read tells the caller whether it created the row or
// found an existing one, matching storage.SchedulerStore's contract.
func (s *Store) ScheduleJob(ctx context.Context, job storage.SchedulerJob) (storage.SchedulerJob, bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return storage.SchedulerJob{}, false, fmt.Errorf("postgres: marshal scheduler job payload: %w", err)
	}

	result, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO scheduler_jobs (id, mix_request_id, output_index, fire_at, fired, payload, created_at)
		VALUES ($1,$2,$3,$4,FALSE,$5,$6)
		ON CONFLICT (mix_request_id, output_index) DO NOTHING
	`, job.ID, job.MixRequestID, job.OutputIndex, job.FireAt, payloadJSON, job.CreatedAt)
	if err != nil {
		return storage.SchedulerJob{}, false, fmt.Errorf("postgres: insert scheduler job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storage.SchedulerJob{}, false, fmt.Errorf("postgres: scheduler job rows affected: %w", err)
	}
	if rows > 0 {
		return job, true, nil
	}

	row := s.q(ctx).QueryRowxContext(ctx, schedulerJobSelect+` WHERE mix_request_id = $1 AND output_index = $2`,
		job.MixRequestID, job.OutputIndex)
	existing, err := scanSchedulerJob(row)
	if err != nil {
		return storage.SchedulerJob{}, false, fmt.Errorf("postgres: load existing scheduler job: %w", err)
	}
	return existing, false, nil
}

func (s *Store) ListDueJobs(ctx context.Context, asOf time.Time, limit int) ([]storage.SchedulerJob, error) {
	query := schedulerJobSelect + ` WHERE fired = FALSE AND fire_at <= $1 ORDER BY fire_at`
	args := []any{asOf}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.q(ctx).QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due scheduler jobs: %w", err)
	}
	defer rows.Close()

	out := make([]storage.SchedulerJob, 0)
	for rows.Next() {
		job, err := scanSchedulerJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) MarkJobFired(ctx context.Context, id string, firedAt time.Time) error {
	result, err := s.q(ctx).ExecContext(ctx, `
		UPDATE scheduler_jobs SET fired = TRUE, fired_at = $2 WHERE id = $1
	`, id, firedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: mark scheduler job fired: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) CancelJobsForMixRequest(ctx context.Context, mixRequestID string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		DELETE FROM scheduler_jobs WHERE mix_request_id = $1 AND fired = FALSE
	`, mixRequestID)
	if err != nil {
		return fmt.Errorf("postgres: cancel scheduler jobs: %w", err)
	}
	return nil
}

func scanSchedulerJob(scanner rowScanner) (storage.SchedulerJob, error) {
	var (
		job         storage.SchedulerJob
		firedAt     sql.NullTime
		payloadJSON []byte
	)
	if err := scanner.Scan(&job.ID, &job.MixRequestID, &job.OutputIndex, &job.FireAt, &job.Fired, &firedAt,
		&payloadJSON, &job.CreatedAt); err != nil {
		return storage.SchedulerJob{}, err
	}
	if firedAt.Valid {
		t := firedAt.Time.UTC()
		job.FiredAt = &t
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return storage.SchedulerJob{}, fmt.Errorf("postgres: unmarshal scheduler job payload: %w", err)
		}
	}
	return job, nil
}
