package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/octoforge/octogate/internal/types"
)

// CreateScheduledJob inserts a job definition. NextRunAt should be
// pre-computed by the caller from the cron expression.
func (s *Store) CreateScheduledJob(ctx context.Context, j ScheduledJob) (ScheduledJob, error) {
	now := time.Now().UTC()
	j.ID = uuid.NewString()
	j.CreatedAt = now
	j.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, bot_instance_id, name, description, instructions, cron_expr, enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.BotInstanceID, j.Name, j.Description, j.Instructions, j.CronExpr,
		boolToInt(j.Enabled), nanoOrNil(j.LastRunAt), nanoOrNil(j.NextRunAt),
		j.LastRunStatus, now.UnixNano(), now.UnixNano())
	if err != nil {
		return ScheduledJob{}, fmt.Errorf("create scheduled job: %w", err)
	}
	return j, nil
}

// GetScheduledJob loads a job by id.
func (s *Store) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bot_instance_id, name, description, instructions, cron_expr, enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at
		 FROM scheduled_jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// DueJobs returns all enabled jobs whose next run time is at or before now.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]*ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_instance_id, name, description, instructions, cron_expr, enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at
		 FROM scheduled_jobs
		 WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at`, now.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(scan func(...any) error) (*ScheduledJob, error) {
	var (
		j          ScheduledJob
		enabled    int
		lastRunAt  sql.NullInt64
		nextRunAt  sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	err := scan(&j.ID, &j.BotInstanceID, &j.Name, &j.Description, &j.Instructions,
		&j.CronExpr, &enabled, &lastRunAt, &nextRunAt, &j.LastRunStatus, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scheduled job: %w", types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan scheduled job: %w", err)
	}
	j.Enabled = enabled != 0
	if lastRunAt.Valid {
		t := time.Unix(0, lastRunAt.Int64).UTC()
		j.LastRunAt = &t
	}
	if nextRunAt.Valid {
		t := time.Unix(0, nextRunAt.Int64).UTC()
		j.NextRunAt = &t
	}
	j.CreatedAt = time.Unix(0, createdAt).UTC()
	j.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &j, nil
}

// UpdateJobRun records the outcome of one run: last/next run times and the
// last run status. A nil nextRunAt pauses the job (unparsable cron).
func (s *Store) UpdateJobRun(ctx context.Context, jobID string, lastRunAt time.Time, nextRunAt *time.Time, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs
		 SET last_run_at = ?, next_run_at = ?, last_run_status = ?, updated_at = ?
		 WHERE id = ?`,
		lastRunAt.UTC().UnixNano(), nanoOrNil(nextRunAt), status,
		time.Now().UTC().UnixNano(), jobID)
	if err != nil {
		return fmt.Errorf("update job run: %w", err)
	}
	return nil
}

// CreateJobExecution records the start of a run.
func (s *Store) CreateJobExecution(ctx context.Context, jobID string) (*JobExecution, error) {
	e := &JobExecution{
		ID:        uuid.NewString(),
		JobID:     jobID,
		StartedAt: time.Now().UTC(),
		Status:    ExecRunning,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_executions (id, job_id, started_at, status) VALUES (?, ?, ?, ?)`,
		e.ID, e.JobID, e.StartedAt.UnixNano(), e.Status)
	if err != nil {
		return nil, fmt.Errorf("create job execution: %w", err)
	}
	return e, nil
}

// CompleteJobExecution finalizes a run with its terminal status.
func (s *Store) CompleteJobExecution(ctx context.Context, execID, status, output, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_executions SET completed_at = ?, status = ?, output = ?, error_message = ? WHERE id = ?`,
		time.Now().UTC().UnixNano(), status, output, errMsg, execID)
	if err != nil {
		return fmt.Errorf("complete job execution: %w", err)
	}
	return nil
}

// JobExecutions lists the runs of a job, most recent first.
func (s *Store) JobExecutions(ctx context.Context, jobID string, limit int) ([]JobExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, started_at, completed_at, status, output, error_message
		 FROM job_executions WHERE job_id = ?
		 ORDER BY started_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("job executions: %w", err)
	}
	defer rows.Close()

	var out []JobExecution
	for rows.Next() {
		var (
			e           JobExecution
			startedAt   int64
			completedAt sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &startedAt, &completedAt, &e.Status, &e.Output, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan job execution: %w", err)
		}
		e.StartedAt = time.Unix(0, startedAt).UTC()
		if completedAt.Valid {
			t := time.Unix(0, completedAt.Int64).UTC()
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nanoOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}
