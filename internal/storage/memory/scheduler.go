package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/mixer/internal/storage"
)

func jobKey(mixRequestID string, outputIndex int) string {
	return fmt.Sprintf("%s|%d", mixRequestID, outputIndex)
}

// ScheduleJob is idempotent on (MixRequestID, OutputIndex): a second call
// with the same key returns the job that already exists instead of
// inserting a duplicate, per spec.md §4.3.
func (s *Store) ScheduleJob(_ context.Context, job storage.SchedulerJob) (storage.SchedulerJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobKey(job.MixRequestID, job.OutputIndex)
	if existingID, ok := s.jobKeyToID[key]; ok {
		return s.jobs[existingID], false, nil
	}
	if job.ID == "" {
		job.ID = s.nextIDLocked()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	s.jobs[job.ID] = job
	s.jobKeyToID[key] = job.ID
	return job, true, nil
}

func (s *Store) ListDueJobs(_ context.Context, asOf time.Time, limit int) ([]storage.SchedulerJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.SchedulerJob, 0)
	for _, job := range s.jobs {
		if job.Fired {
			continue
		}
		if job.FireAt.After(asOf) {
			continue
		}
		out = append(out, job)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkJobFired(_ context.Context, id string, firedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	job.Fired = true
	t := firedAt
	job.FiredAt = &t
	s.jobs[id] = job
	return nil
}

func (s *Store) CancelJobsForMixRequest(_ context.Context, mixRequestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, job := range s.jobs {
		if job.MixRequestID == mixRequestID && !job.Fired {
			delete(s.jobs, id)
			delete(s.jobKeyToID, jobKey(job.MixRequestID, job.OutputIndex))
		}
	}
	return nil
}
