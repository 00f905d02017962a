package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrJobNotFound = errors.New("job not found")

// JobPayload identifies the plan a job dispatches for (spec.md §3).
type JobPayload struct {
	PlanID string `json:"plan_id"`
}

// Job is a durable one-shot scheduler entry keyed by job id
// (spec.md §4.3, Component C).
type Job struct {
	JobID               string
	RunAtUTC            time.Time
	Payload             JobPayload
	MisfireGraceSeconds int
	AcquiredByWorker    *string
	AcquiredAt          *time.Time
}

// JobStore provides PostgreSQL-backed durable job storage. Persistence is
// orthogonal to the plan store (spec.md §4.3: "may coexist in the same
// database"), so it lives in the same package and pool as PlanStore.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore creates a new PostgreSQL job store.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

// UpsertJob idempotently replaces the job keyed by jobID (spec.md §4.3).
func (s *JobStore) UpsertJob(ctx context.Context, jobID string, runAtUTC time.Time, payload JobPayload, graceSeconds int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduler_jobs (job_id, run_at_utc, payload_plan_id, misfire_grace_seconds)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE SET
			run_at_utc = EXCLUDED.run_at_utc,
			payload_plan_id = EXCLUDED.payload_plan_id,
			misfire_grace_seconds = EXCLUDED.misfire_grace_seconds,
			acquired_by_worker = NULL,
			acquired_at = NULL
	`, jobID, runAtUTC, payload.PlanID, graceSeconds)
	return err
}

// RemoveJob deletes a job; absent jobs are not an error (spec.md §4.3).
func (s *JobStore) RemoveJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM scheduler_jobs WHERE job_id = $1", jobID)
	return err
}

// DueJobs returns jobs whose run_at_utc is at or before `before`, ordered by
// run_at_utc, for the scheduler's internal pump (spec.md §4.3, §5: "jobs
// fire in non-decreasing run_at_utc order").
func (s *JobStore) DueJobs(ctx context.Context, before time.Time) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, run_at_utc, payload_plan_id, misfire_grace_seconds, acquired_by_worker, acquired_at
		FROM scheduler_jobs
		WHERE run_at_utc <= $1
		ORDER BY run_at_utc ASC
	`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Acquire atomically marks a job in-flight so no two workers dispatch the
// same plan (spec.md §4.3, §5: "at most one dispatch is in flight"). It uses
// SELECT ... FOR UPDATE SKIP LOCKED the same way SyncJobStore.ClaimNextJob
// claims calendar sync jobs. Returns false if the job is absent or already
// acquired by another worker.
func (s *JobStore) Acquire(ctx context.Context, jobID, workerID string) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduler_jobs
		SET acquired_by_worker = $2, acquired_at = $3
		WHERE job_id = (
			SELECT job_id FROM scheduler_jobs
			WHERE job_id = $1 AND acquired_by_worker IS NULL
			FOR UPDATE SKIP LOCKED
		)
	`, jobID, workerID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Complete removes a job after a successful or deliberately terminal
// dispatch (spec.md §4.3).
func (s *JobStore) Complete(ctx context.Context, jobID string) error {
	return s.RemoveJob(ctx, jobID)
}

// Release clears an in-flight acquisition without removing the job, so a
// transient dispatch failure (spec.md §7 TransientStore/TransientDelivery)
// leaves the job eligible for acquisition on the next pump pass instead of
// stuck acquired forever.
func (s *JobStore) Release(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduler_jobs SET acquired_by_worker = NULL, acquired_at = NULL WHERE job_id = $1
	`, jobID)
	return err
}

// Get retrieves a single job by id, mainly for tests and diagnostics.
func (s *JobStore) Get(ctx context.Context, jobID string) (*Job, error) {
	job := &Job{}
	var planID string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, run_at_utc, payload_plan_id, misfire_grace_seconds, acquired_by_worker, acquired_at
		FROM scheduler_jobs WHERE job_id = $1
	`, jobID).Scan(&job.JobID, &job.RunAtUTC, &planID, &job.MisfireGraceSeconds, &job.AcquiredByWorker, &job.AcquiredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	job.Payload = JobPayload{PlanID: planID}
	return job, nil
}

func scanJobs(rows pgx.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job := &Job{}
		var planID string
		if err := rows.Scan(&job.JobID, &job.RunAtUTC, &planID, &job.MisfireGraceSeconds, &job.AcquiredByWorker, &job.AcquiredAt); err != nil {
			return nil, err
		}
		job.Payload = JobPayload{PlanID: planID}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
