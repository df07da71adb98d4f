package memdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/globaltime"
)

func cloneJob(j *db.JobExecution) *db.JobExecution {
	c := *j
	c.ExitMessage = cloneString(j.ExitMessage)
	c.StartTime = cloneTime(j.StartTime)
	c.EndTime = cloneTime(j.EndTime)
	c.LastUpdated = cloneTime(j.LastUpdated)
	if j.Parameters != nil {
		c.Parameters = append([]byte(nil), j.Parameters...)
	}
	return &c
}

func cloneStep(s *db.StepExecution) *db.StepExecution {
	c := *s
	c.ExitMessage = cloneString(s.ExitMessage)
	c.StartTime = cloneTime(s.StartTime)
	c.EndTime = cloneTime(s.EndTime)
	c.LastUpdated = cloneTime(s.LastUpdated)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func clip(msg *string) *string {
	if msg == nil {
		return nil
	}
	runes := []rune(*msg)
	if len(runes) <= db.MaxExitMessageLength {
		return cloneString(msg)
	}
	v := string(runes[:db.MaxExitMessageLength])
	return &v
}

func (s *Store) CreateJobExecution(_ context.Context, j *db.JobExecution) error {
	if j == nil {
		return fmt.Errorf("job execution is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = globaltime.UTC()
	}
	if len(j.Parameters) == 0 {
		j.Parameters = []byte("{}")
	}
	j.ID = s.id()
	j.Version = 0
	row := cloneJob(j)
	row.ExitMessage = clip(j.ExitMessage)
	s.jobs[j.ID] = row
	return nil
}

func (s *Store) UpdateJobExecution(_ context.Context, j *db.JobExecution) error {
	if j == nil || j.ID <= 0 {
		return fmt.Errorf("job execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.jobs[j.ID]
	if !ok {
		return db.ErrNoRows
	}
	row.Status = j.Status
	row.ExitCode = j.ExitCode
	row.ExitMessage = clip(j.ExitMessage)
	row.StartTime = cloneTime(j.StartTime)
	row.EndTime = cloneTime(j.EndTime)
	row.LastUpdated = cloneTime(j.LastUpdated)
	row.Version++
	j.Version = row.Version
	return nil
}

func (s *Store) MarkJobStarted(_ context.Context, j *db.JobExecution, now time.Time) (bool, error) {
	if j == nil || j.ID <= 0 {
		return false, fmt.Errorf("job execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.jobs[j.ID]
	if !ok || row.Status != db.StatusStarting {
		return false, nil
	}
	t := now.UTC()
	row.Status = db.StatusStarted
	row.StartTime = cloneTime(&t)
	row.LastUpdated = cloneTime(&t)
	row.Version++
	j.Status = row.Status
	j.StartTime = cloneTime(&t)
	j.LastUpdated = cloneTime(&t)
	j.Version = row.Version
	return true, nil
}

func (s *Store) TouchJobExecution(_ context.Context, id int64, now time.Time) (db.BatchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.jobs[id]
	if !ok {
		return "", db.ErrNoRows
	}
	t := now.UTC()
	row.LastUpdated = &t
	return row.Status, nil
}

func (s *Store) GetJobExecution(_ context.Context, id int64) (*db.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.jobs[id]
	if !ok {
		return nil, db.ErrNoRows
	}
	return cloneJob(row), nil
}

// jobsNewestFirst orders by created_at DESC, id DESC.
func (s *Store) jobsNewestFirst(jobName string) []*db.JobExecution {
	var out []*db.JobExecution
	for _, j := range s.jobs {
		if j.JobName == jobName {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID > out[k].ID
	})
	return out
}

func (s *Store) LatestJobExecution(_ context.Context, jobName string) (*db.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.jobsNewestFirst(jobName)
	if len(all) == 0 {
		return nil, db.ErrNoRows
	}
	return cloneJob(all[0]), nil
}

func (s *Store) RunningJobExecutions(_ context.Context, jobName string) ([]db.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.JobExecution
	for _, j := range s.jobsNewestFirst(jobName) {
		if j.Status.IsActive() && j.EndTime == nil {
			out = append(out, *cloneJob(j))
		}
	}
	return out, nil
}

func (s *Store) RequestStop(_ context.Context, id int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if row.Status != db.StatusStarting && row.Status != db.StatusStarted {
		return false, nil
	}
	t := now.UTC()
	row.Status = db.StatusStopping
	row.LastUpdated = &t
	row.Version++
	return true, nil
}

func (s *Store) FailStaleExecutions(_ context.Context, jobName string, cutoff, now time.Time, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := now.UTC()
	var failed int64
	for _, j := range s.jobs {
		if j.JobName != jobName || !j.Status.IsActive() || j.EndTime != nil {
			continue
		}
		heartbeat := j.CreatedAt
		if j.StartTime != nil {
			heartbeat = *j.StartTime
		}
		if j.LastUpdated != nil {
			heartbeat = *j.LastUpdated
		}
		if !heartbeat.Before(cutoff) {
			continue
		}
		msg := message
		j.Status = db.StatusFailed
		j.ExitCode = string(db.StatusFailed)
		j.ExitMessage = &msg
		j.EndTime = &t
		j.LastUpdated = &t
		j.Version++
		failed++

		for _, step := range s.steps {
			if step.JobExecutionID != j.ID || !step.Status.IsActive() {
				continue
			}
			stepMsg := message
			step.Status = db.StatusFailed
			step.ExitCode = string(db.StatusFailed)
			step.ExitMessage = &stepMsg
			if step.EndTime == nil {
				step.EndTime = &t
			}
			step.LastUpdated = &t
			step.Version++
		}
	}
	return failed, nil
}

func (s *Store) CreateStepExecution(_ context.Context, step *db.StepExecution) error {
	if step == nil {
		return fmt.Errorf("step execution is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	step.ID = s.id()
	step.Version = 0
	row := cloneStep(step)
	row.ExitMessage = clip(step.ExitMessage)
	s.steps[step.ID] = row
	return nil
}

func (s *Store) UpdateStepExecution(_ context.Context, step *db.StepExecution) error {
	if step == nil || step.ID <= 0 {
		return fmt.Errorf("step execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.steps[step.ID]
	if !ok {
		return db.ErrNoRows
	}
	version := row.Version + 1
	*row = *cloneStep(step)
	row.ExitMessage = clip(step.ExitMessage)
	row.Version = version
	step.Version = version
	return nil
}

func (s *Store) LatestStepExecution(_ context.Context, jobExecutionID int64) (*db.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *db.StepExecution
	for _, step := range s.steps {
		if step.JobExecutionID == jobExecutionID && (latest == nil || step.ID > latest.ID) {
			latest = step
		}
	}
	if latest == nil {
		return nil, db.ErrNoRows
	}
	return cloneStep(latest), nil
}

// SetJobStatus overwrites the stored status, standing in for a second
// process or an operator editing the row.
func (s *Store) SetJobStatus(id int64, status db.BatchStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.jobs[id]; ok {
		row.Status = status
	}
}

// SetJobHeartbeat rewrites last_updated of an execution.
func (s *Store) SetJobHeartbeat(id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.jobs[id]; ok {
		t := at.UTC()
		row.LastUpdated = &t
	}
}
