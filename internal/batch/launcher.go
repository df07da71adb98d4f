package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/globaltime"
	"horse.fit/toonrank/internal/metrics"
)

// Store is the execution bookkeeping the launcher and control need.
type Store interface {
	CreateJobExecution(ctx context.Context, j *db.JobExecution) error
	UpdateJobExecution(ctx context.Context, j *db.JobExecution) error
	MarkJobStarted(ctx context.Context, j *db.JobExecution, now time.Time) (bool, error)
	TouchJobExecution(ctx context.Context, id int64, now time.Time) (db.BatchStatus, error)
	GetJobExecution(ctx context.Context, id int64) (*db.JobExecution, error)
	LatestJobExecution(ctx context.Context, jobName string) (*db.JobExecution, error)
	RunningJobExecutions(ctx context.Context, jobName string) ([]db.JobExecution, error)
	RequestStop(ctx context.Context, id int64, now time.Time) (bool, error)
	FailStaleExecutions(ctx context.Context, jobName string, cutoff, now time.Time, message string) (int64, error)
	CreateStepExecution(ctx context.Context, s *db.StepExecution) error
	UpdateStepExecution(ctx context.Context, s *db.StepExecution) error
	LatestStepExecution(ctx context.Context, jobExecutionID int64) (*db.StepExecution, error)
}

// Trigger records who launched an execution.
type Trigger string

const (
	TriggerAPI      Trigger = "api"
	TriggerSchedule Trigger = "schedule"
	TriggerCLI      Trigger = "cli"
)

// DefaultLockTTL is used when no stale window is configured.
const DefaultLockTTL = 5 * time.Minute

// StateError reports a request that conflicts with the job's current state.
type StateError struct {
	Message     string
	ExecutionID int64
}

func (e *StateError) Error() string {
	return e.Message
}

type Launcher struct {
	store    Store
	registry *Registry
	locker   Locker
	lockTTL  time.Duration
	logger   zerolog.Logger

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLauncher(store Store, registry *Registry, locker Locker, lockTTL time.Duration, logger zerolog.Logger) *Launcher {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	root, cancel := context.WithCancel(context.Background())
	return &Launcher{
		store:    store,
		registry: registry,
		locker:   locker,
		lockTTL:  lockTTL,
		logger:   logger.With().Str("component", "batch_launcher").Logger(),
		root:     root,
		cancel:   cancel,
	}
}

// Launch creates an execution and runs it in the background.
func (l *Launcher) Launch(ctx context.Context, jobName string, trigger Trigger) (*db.JobExecution, error) {
	job, lock, exec, err := l.prepare(ctx, jobName, trigger)
	if err != nil {
		return nil, err
	}
	view := *exec
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.execute(l.root, job, exec, lock)
	}()
	return &view, nil
}

// Run executes the job in the calling goroutine and returns the final record.
func (l *Launcher) Run(ctx context.Context, jobName string, trigger Trigger) (*db.JobExecution, error) {
	job, lock, exec, err := l.prepare(ctx, jobName, trigger)
	if err != nil {
		return nil, err
	}
	l.execute(ctx, job, exec, lock)
	return l.store.GetJobExecution(context.WithoutCancel(ctx), exec.ID)
}

// Shutdown cancels background executions and waits for them to record
// their final status.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.cancel()
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Launcher) prepare(ctx context.Context, jobName string, trigger Trigger) (Job, Lock, *db.JobExecution, error) {
	job, ok := l.registry.Get(jobName)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobName)
	}

	lock, err := l.locker.Acquire(ctx, jobName, l.lockTTL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("acquire job lock: %w", err)
	}
	if lock == nil {
		return nil, nil, nil, &StateError{Message: "Already running: " + jobName}
	}

	now := globaltime.UTC()
	params, err := json.Marshal(map[string]any{
		"startedAt": now.UnixMilli(),
		"trigger":   string(trigger),
	})
	if err != nil {
		_ = lock.Release(ctx)
		return nil, nil, nil, fmt.Errorf("encode parameters: %w", err)
	}
	exec := &db.JobExecution{
		ExecutionUUID: uuid.NewString(),
		JobName:       jobName,
		Status:        db.StatusStarting,
		ExitCode:      "UNKNOWN",
		Parameters:    params,
		LastUpdated:   &now,
		CreatedAt:     now,
	}
	if err := l.store.CreateJobExecution(ctx, exec); err != nil {
		_ = lock.Release(ctx)
		return nil, nil, nil, fmt.Errorf("create job execution: %w", err)
	}
	l.logger.Info().
		Str("job", jobName).
		Int64("execution_id", exec.ID).
		Str("trigger", string(trigger)).
		Msg("job execution created")
	return job, lock, exec, nil
}

func (l *Launcher) execute(ctx context.Context, job Job, exec *db.JobExecution, lock Lock) {
	book := context.WithoutCancel(ctx)
	logger := l.logger.With().Str("job", exec.JobName).Int64("execution_id", exec.ID).Logger()
	defer func() {
		if err := lock.Release(book); err != nil {
			logger.Warn().Err(err).Msg("job lock release failed")
		}
	}()

	started := globaltime.UTC()
	ok, err := l.store.MarkJobStarted(book, exec, started)
	if err != nil {
		logger.Error().Err(err).Msg("mark job started failed")
		return
	}
	if !ok {
		// The row left STARTING before the step began.
		current, err := l.store.GetJobExecution(book, exec.ID)
		if err != nil {
			logger.Error().Err(err).Msg("job execution vanished before start")
			return
		}
		if current.Status == db.StatusStopping {
			exec.Version = current.Version
			l.finishJob(book, exec, db.StatusStopped, nil, logger)
			return
		}
		logger.Warn().Str("status", string(current.Status)).Msg("job execution not startable")
		return
	}

	step := &db.StepExecution{
		JobExecutionID: exec.ID,
		StepName:       job.StepName(),
		Status:         db.StatusStarted,
		ExitCode:       "EXECUTING",
		StartTime:      &started,
		LastUpdated:    &started,
	}
	if err := l.store.CreateStepExecution(book, step); err != nil {
		msg := err.Error()
		l.finishJob(book, exec, db.StatusFailed, &msg, logger)
		return
	}

	logger.Info().Msg("job started")
	runErr := job.Execute(ctx, step, l.heartbeat(book, exec.ID, lock, logger))

	final := db.StatusCompleted
	var message *string
	switch {
	case runErr == nil:
	case errors.Is(runErr, errStopRequested):
		final = db.StatusStopped
	case errors.Is(runErr, errAborted):
		msg := "Execution was marked FAILED while running"
		l.finishStep(book, step, db.StatusFailed, &msg, logger)
		metrics.ExecutionsTotal.WithLabelValues(exec.JobName, string(db.StatusFailed)).Inc()
		logger.Warn().Msg("job aborted after external failure")
		return
	default:
		final = db.StatusFailed
		msg := runErr.Error()
		message = &msg
	}

	l.finishStep(book, step, final, message, logger)
	l.finishJob(book, exec, final, message, logger)
	metrics.ExecutionDuration.WithLabelValues(exec.JobName).Observe(globaltime.Since(started).Seconds())

	event := logger.Info()
	if final == db.StatusFailed {
		event = logger.Error().Err(runErr)
	}
	event.
		Str("status", string(final)).
		Int64("read", step.ReadCount).
		Int64("written", step.WriteCount).
		Int64("filtered", step.FilterCount).
		Int64("skipped", step.SkipCount()).
		Int64("commits", step.CommitCount).
		Msg("job finished")
}

// heartbeat refreshes the execution and lock after each chunk and turns an
// external status change into a step exit.
func (l *Launcher) heartbeat(book context.Context, jobID int64, lock Lock, logger zerolog.Logger) Heartbeat {
	return func(_ context.Context, step *db.StepExecution) error {
		now := globaltime.UTC()
		status, err := l.store.TouchJobExecution(book, jobID, now)
		if err != nil {
			return fmt.Errorf("touch job execution: %w", err)
		}
		if err := lock.Extend(book, l.lockTTL); err != nil {
			logger.Warn().Err(err).Msg("job lock extend failed")
		}
		switch status {
		case db.StatusStopping:
			return errStopRequested
		case db.StatusFailed, db.StatusAbandoned, db.StatusStopped:
			return errAborted
		}
		step.LastUpdated = &now
		if err := l.store.UpdateStepExecution(book, step); err != nil {
			return fmt.Errorf("persist step progress: %w", err)
		}
		return nil
	}
}

func (l *Launcher) finishStep(ctx context.Context, step *db.StepExecution, status db.BatchStatus, message *string, logger zerolog.Logger) {
	now := globaltime.UTC()
	step.Status = status
	step.ExitCode = string(status)
	step.ExitMessage = message
	step.EndTime = &now
	step.LastUpdated = &now
	if err := l.store.UpdateStepExecution(ctx, step); err != nil {
		logger.Error().Err(err).Msg("record step result failed")
	}
}

func (l *Launcher) finishJob(ctx context.Context, exec *db.JobExecution, status db.BatchStatus, message *string, logger zerolog.Logger) {
	now := globaltime.UTC()
	exec.Status = status
	exec.ExitCode = string(status)
	exec.ExitMessage = message
	exec.EndTime = &now
	exec.LastUpdated = &now
	if err := l.store.UpdateJobExecution(ctx, exec); err != nil {
		logger.Error().Err(err).Msg("record job result failed")
	}
	metrics.ExecutionsTotal.WithLabelValues(exec.JobName, string(status)).Inc()
}
