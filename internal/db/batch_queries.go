package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"horse.fit/toonrank/internal/globaltime"
)

// MaxExitMessageLength bounds exit_message columns.
const MaxExitMessageLength = 2500

const jobExecutionColumns = `id, execution_uuid::text, job_name, status, exit_code, exit_message, parameters, start_time, end_time, last_updated, created_at, version`

func scanJobExecution(row interface{ Scan(...any) error }) (*JobExecution, error) {
	var j JobExecution
	var params []byte
	if err := row.Scan(
		&j.ID,
		&j.ExecutionUUID,
		&j.JobName,
		&j.Status,
		&j.ExitCode,
		&j.ExitMessage,
		&params,
		&j.StartTime,
		&j.EndTime,
		&j.LastUpdated,
		&j.CreatedAt,
		&j.Version,
	); err != nil {
		return nil, err
	}
	j.Parameters = params
	return &j, nil
}

const stepExecutionColumns = `id, job_execution_id, step_name, status, read_count, write_count, filter_count,
	read_skip_count, process_skip_count, write_skip_count, commit_count, exit_code, exit_message,
	start_time, end_time, last_updated, version`

func scanStepExecution(row interface{ Scan(...any) error }) (*StepExecution, error) {
	var s StepExecution
	if err := row.Scan(
		&s.ID,
		&s.JobExecutionID,
		&s.StepName,
		&s.Status,
		&s.ReadCount,
		&s.WriteCount,
		&s.FilterCount,
		&s.ReadSkipCount,
		&s.ProcessSkipCount,
		&s.WriteSkipCount,
		&s.CommitCount,
		&s.ExitCode,
		&s.ExitMessage,
		&s.StartTime,
		&s.EndTime,
		&s.LastUpdated,
		&s.Version,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateJobExecution inserts a new execution and fills its id.
func (p *Pool) CreateJobExecution(ctx context.Context, j *JobExecution) error {
	if j == nil {
		return fmt.Errorf("job execution is nil")
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = globaltime.UTC()
	}
	const q = `
INSERT INTO batch_job_executions (
	execution_uuid, job_name, status, exit_code, exit_message, parameters,
	start_time, end_time, last_updated, created_at, version
)
VALUES ($1::uuid, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, 0)
RETURNING id
`
	params := []byte(j.Parameters)
	if len(params) == 0 {
		params = []byte("{}")
	}
	return p.QueryRow(ctx, q,
		j.ExecutionUUID,
		j.JobName,
		string(j.Status),
		j.ExitCode,
		truncateExitMessage(j.ExitMessage),
		string(params),
		j.StartTime,
		j.EndTime,
		j.LastUpdated,
		j.CreatedAt,
	).Scan(&j.ID)
}

// UpdateJobExecution writes status, exit and timing fields and bumps version.
func (p *Pool) UpdateJobExecution(ctx context.Context, j *JobExecution) error {
	if j == nil || j.ID <= 0 {
		return fmt.Errorf("job execution id is required")
	}
	const q = `
UPDATE batch_job_executions
SET status = $2,
	exit_code = $3,
	exit_message = $4,
	start_time = $5,
	end_time = $6,
	last_updated = $7,
	version = version + 1
WHERE id = $1
RETURNING version
`
	return p.QueryRow(ctx, q,
		j.ID,
		string(j.Status),
		j.ExitCode,
		truncateExitMessage(j.ExitMessage),
		j.StartTime,
		j.EndTime,
		j.LastUpdated,
	).Scan(&j.Version)
}

// MarkJobStarted moves a STARTING execution to STARTED. It reports false when
// the row had already left STARTING, for example after a stop request.
func (p *Pool) MarkJobStarted(ctx context.Context, j *JobExecution, now time.Time) (bool, error) {
	if j == nil || j.ID <= 0 {
		return false, fmt.Errorf("job execution id is required")
	}
	const q = `
UPDATE batch_job_executions
SET status = 'STARTED',
	start_time = $2,
	last_updated = $2,
	version = version + 1
WHERE id = $1
  AND status = 'STARTING'
RETURNING version
`
	now = now.UTC()
	var version int
	if err := p.QueryRow(ctx, q, j.ID, now).Scan(&version); err != nil {
		if IsNoRows(err) {
			return false, nil
		}
		return false, err
	}
	j.Status = StatusStarted
	j.StartTime = &now
	j.LastUpdated = &now
	j.Version = version
	return true, nil
}

// TouchJobExecution refreshes the heartbeat and returns the stored status.
func (p *Pool) TouchJobExecution(ctx context.Context, id int64, now time.Time) (BatchStatus, error) {
	const q = `
UPDATE batch_job_executions
SET last_updated = $2
WHERE id = $1
RETURNING status
`
	var status BatchStatus
	if err := p.QueryRow(ctx, q, id, now.UTC()).Scan(&status); err != nil {
		return "", err
	}
	return status, nil
}

func (p *Pool) GetJobExecution(ctx context.Context, id int64) (*JobExecution, error) {
	q := `SELECT ` + jobExecutionColumns + ` FROM batch_job_executions WHERE id = $1`
	return scanJobExecution(p.QueryRow(ctx, q, id))
}

// LatestJobExecution returns the most recently created execution of a job.
func (p *Pool) LatestJobExecution(ctx context.Context, jobName string) (*JobExecution, error) {
	q := `SELECT ` + jobExecutionColumns + ` FROM batch_job_executions WHERE job_name = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	return scanJobExecution(p.QueryRow(ctx, q, jobName))
}

// RunningJobExecutions lists executions still in STARTING, STARTED or STOPPING.
func (p *Pool) RunningJobExecutions(ctx context.Context, jobName string) ([]JobExecution, error) {
	q := `SELECT ` + jobExecutionColumns + `
FROM batch_job_executions
WHERE job_name = $1
  AND status IN ('STARTING', 'STARTED', 'STOPPING')
  AND end_time IS NULL
ORDER BY created_at DESC, id DESC`
	rows, err := p.Query(ctx, q, jobName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobExecution
	for rows.Next() {
		j, err := scanJobExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// RequestStop moves a STARTING or STARTED execution to STOPPING.
// It reports false when the row was in any other status.
func (p *Pool) RequestStop(ctx context.Context, id int64, now time.Time) (bool, error) {
	const q = `
UPDATE batch_job_executions
SET status = 'STOPPING',
	last_updated = $2,
	version = version + 1
WHERE id = $1
  AND status IN ('STARTING', 'STARTED')
`
	tag, err := p.Exec(ctx, q, id, now.UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FailStaleExecutions force-fails active executions of jobName whose last
// heartbeat is older than cutoff. Step rows of those executions are failed too.
func (p *Pool) FailStaleExecutions(ctx context.Context, jobName string, cutoff, now time.Time, message string) (int64, error) {
	var failed int64
	err := p.InTx(ctx, func(tx *gorm.DB) error {
		const jobs = `
UPDATE batch_job_executions
SET status = 'FAILED',
	exit_code = 'FAILED',
	exit_message = $3,
	end_time = COALESCE(end_time, $4),
	last_updated = $4,
	version = version + 1
WHERE job_name = $1
  AND status IN ('STARTING', 'STARTED', 'STOPPING')
  AND end_time IS NULL
  AND COALESCE(last_updated, start_time, created_at) < $2
RETURNING id
`
		rows, err := tx.Raw(jobs, jobName, cutoff.UTC(), message, now.UTC()).Rows()
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()
		failed = int64(len(ids))
		if len(ids) == 0 {
			return nil
		}

		const steps = `
UPDATE batch_step_executions
SET status = 'FAILED',
	exit_code = 'FAILED',
	exit_message = $2,
	end_time = COALESCE(end_time, $3),
	last_updated = $3,
	version = version + 1
WHERE job_execution_id = $1
  AND status IN ('STARTING', 'STARTED', 'STOPPING')
`
		for _, id := range ids {
			if err := tx.Exec(steps, id, message, now.UTC()).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return failed, nil
}

// CreateStepExecution inserts a step row and fills its id.
func (p *Pool) CreateStepExecution(ctx context.Context, s *StepExecution) error {
	if s == nil {
		return fmt.Errorf("step execution is nil")
	}
	const q = `
INSERT INTO batch_step_executions (
	job_execution_id, step_name, status, exit_code, exit_message, start_time, last_updated, version
)
VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
RETURNING id
`
	return p.QueryRow(ctx, q,
		s.JobExecutionID,
		s.StepName,
		string(s.Status),
		s.ExitCode,
		truncateExitMessage(s.ExitMessage),
		s.StartTime,
		s.LastUpdated,
	).Scan(&s.ID)
}

// UpdateStepExecution writes counters, status and timing and bumps version.
func (p *Pool) UpdateStepExecution(ctx context.Context, s *StepExecution) error {
	if s == nil || s.ID <= 0 {
		return fmt.Errorf("step execution id is required")
	}
	const q = `
UPDATE batch_step_executions
SET status = $2,
	read_count = $3,
	write_count = $4,
	filter_count = $5,
	read_skip_count = $6,
	process_skip_count = $7,
	write_skip_count = $8,
	commit_count = $9,
	exit_code = $10,
	exit_message = $11,
	end_time = $12,
	last_updated = $13,
	version = version + 1
WHERE id = $1
RETURNING version
`
	return p.QueryRow(ctx, q,
		s.ID,
		string(s.Status),
		s.ReadCount,
		s.WriteCount,
		s.FilterCount,
		s.ReadSkipCount,
		s.ProcessSkipCount,
		s.WriteSkipCount,
		s.CommitCount,
		s.ExitCode,
		truncateExitMessage(s.ExitMessage),
		s.EndTime,
		s.LastUpdated,
	).Scan(&s.Version)
}

// LatestStepExecution returns the newest step of a job execution.
func (p *Pool) LatestStepExecution(ctx context.Context, jobExecutionID int64) (*StepExecution, error) {
	q := `SELECT ` + stepExecutionColumns + ` FROM batch_step_executions WHERE job_execution_id = $1 ORDER BY id DESC LIMIT 1`
	return scanStepExecution(p.QueryRow(ctx, q, jobExecutionID))
}

func truncateExitMessage(msg *string) *string {
	if msg == nil {
		return nil
	}
	runes := []rune(*msg)
	if len(runes) <= MaxExitMessageLength {
		return msg
	}
	clipped := string(runes[:MaxExitMessageLength])
	return &clipped
}
