package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/globaltime"
)

// StaleMessage is written to executions failed by reconciliation.
const StaleMessage = "Marked as FAILED: stale execution heartbeat"

// JobView summarizes the running or most recent execution of a job.
type JobView struct {
	JobName         string     `json:"jobName"`
	Label           string     `json:"label"`
	Running         bool       `json:"running"`
	ExecutionID     *int64     `json:"executionId"`
	Status          *string    `json:"status"`
	ExitCode        *string    `json:"exitCode"`
	StartedAt       *time.Time `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt"`
	LastUpdatedAt   *time.Time `json:"lastUpdatedAt"`
	ReadCount       int64      `json:"readCount"`
	WriteCount      int64      `json:"writeCount"`
	FilterCount     int64      `json:"filterCount"`
	SkipCount       int64      `json:"skipCount"`
	CommitCount     int64      `json:"commitCount"`
	ProgressPercent *int       `json:"progressPercent"`
}

// CommandResult answers start and stop requests.
type CommandResult struct {
	JobName     string `json:"jobName"`
	ExecutionID int64  `json:"executionId"`
	Message     string `json:"message"`
}

// Control applies the start, stop and inspection rules over known jobs.
type Control struct {
	store      Store
	registry   *Registry
	launcher   *Launcher
	staleAfter time.Duration
	logger     zerolog.Logger
}

func NewControl(store Store, registry *Registry, launcher *Launcher, staleAfter time.Duration, logger zerolog.Logger) *Control {
	return &Control{
		store:      store,
		registry:   registry,
		launcher:   launcher,
		staleAfter: staleAfter,
		logger:     logger.With().Str("component", "batch_control").Logger(),
	}
}

func (c *Control) known(jobName string) error {
	if _, ok := c.registry.Get(jobName); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobName)
	}
	return nil
}

func (c *Control) List(ctx context.Context) ([]JobView, error) {
	names := c.registry.Names()
	out := make([]JobView, 0, len(names))
	for _, name := range names {
		view, err := c.view(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

func (c *Control) Get(ctx context.Context, jobName string) (JobView, error) {
	if err := c.known(jobName); err != nil {
		return JobView{}, err
	}
	return c.view(ctx, jobName)
}

// Start launches the job in the background unless an execution is active.
func (c *Control) Start(ctx context.Context, jobName string, trigger Trigger) (CommandResult, error) {
	if err := c.ensureIdle(ctx, jobName); err != nil {
		return CommandResult{}, err
	}
	exec, err := c.launcher.Launch(ctx, jobName, trigger)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{JobName: jobName, ExecutionID: exec.ID, Message: "Started"}, nil
}

// Run is Start for the foreground: it blocks until the execution ends.
func (c *Control) Run(ctx context.Context, jobName string, trigger Trigger) (*db.JobExecution, error) {
	if err := c.ensureIdle(ctx, jobName); err != nil {
		return nil, err
	}
	return c.launcher.Run(ctx, jobName, trigger)
}

// ensureIdle rejects unknown jobs and jobs with an active execution after
// stale executions were reconciled.
func (c *Control) ensureIdle(ctx context.Context, jobName string) error {
	if err := c.known(jobName); err != nil {
		return err
	}
	if _, err := c.Reconcile(ctx, jobName); err != nil {
		return err
	}
	running, err := c.store.RunningJobExecutions(ctx, jobName)
	if err != nil {
		return fmt.Errorf("list running executions: %w", err)
	}
	if len(running) > 0 {
		return &StateError{
			Message:     fmt.Sprintf("Already running: %s (executionId=%d)", jobName, running[0].ID),
			ExecutionID: running[0].ID,
		}
	}
	return nil
}

// Stop asks the newest active execution to stop after its current chunk.
func (c *Control) Stop(ctx context.Context, jobName string) (CommandResult, error) {
	if err := c.known(jobName); err != nil {
		return CommandResult{}, err
	}
	if _, err := c.Reconcile(ctx, jobName); err != nil {
		return CommandResult{}, err
	}
	running, err := c.store.RunningJobExecutions(ctx, jobName)
	if err != nil {
		return CommandResult{}, fmt.Errorf("list running executions: %w", err)
	}
	if len(running) == 0 {
		return CommandResult{}, &StateError{Message: "Not running: " + jobName}
	}

	target := running[0]
	for _, exec := range running[1:] {
		if exec.ID > target.ID {
			target = exec
		}
	}
	switch target.Status {
	case db.StatusStopping:
		return CommandResult{JobName: jobName, ExecutionID: target.ID, Message: "Stop already requested"}, nil
	case db.StatusStarting, db.StatusStarted:
	default:
		return CommandResult{}, &StateError{
			Message:     fmt.Sprintf("Job cannot be stopped in status %s (executionId=%d)", target.Status, target.ID),
			ExecutionID: target.ID,
		}
	}

	accepted, err := c.store.RequestStop(ctx, target.ID, globaltime.UTC())
	if err != nil {
		return CommandResult{}, fmt.Errorf("request stop: %w", err)
	}
	if !accepted {
		return CommandResult{}, &StateError{
			Message:     fmt.Sprintf("Stop request was not accepted (executionId=%d)", target.ID),
			ExecutionID: target.ID,
		}
	}
	c.logger.Info().Str("job", jobName).Int64("execution_id", target.ID).Msg("stop requested")
	return CommandResult{JobName: jobName, ExecutionID: target.ID, Message: "Stop requested"}, nil
}

// Reconcile force-fails active executions whose heartbeat is older than the
// stale window. A non-positive window disables it.
func (c *Control) Reconcile(ctx context.Context, jobName string) (int64, error) {
	if c.staleAfter <= 0 {
		return 0, nil
	}
	now := globaltime.UTC()
	failed, err := c.store.FailStaleExecutions(ctx, jobName, now.Add(-c.staleAfter), now, StaleMessage)
	if err != nil {
		return 0, fmt.Errorf("reconcile stale executions: %w", err)
	}
	if failed > 0 {
		c.logger.Warn().Str("job", jobName).Int64("executions", failed).Msg("stale executions marked FAILED")
	}
	return failed, nil
}

func (c *Control) view(ctx context.Context, jobName string) (JobView, error) {
	view := JobView{JobName: jobName, Label: Label(jobName)}
	if _, err := c.Reconcile(ctx, jobName); err != nil {
		return view, err
	}

	running, err := c.store.RunningJobExecutions(ctx, jobName)
	if err != nil {
		return view, fmt.Errorf("list running executions: %w", err)
	}
	var exec *db.JobExecution
	if len(running) > 0 {
		exec = &running[0]
	} else {
		exec, err = c.store.LatestJobExecution(ctx, jobName)
		if db.IsNoRows(err) {
			return view, nil
		}
		if err != nil {
			return view, fmt.Errorf("latest execution: %w", err)
		}
	}

	status := string(exec.Status)
	exitCode := exec.ExitCode
	view.Running = exec.Status.IsActive() && exec.EndTime == nil
	view.ExecutionID = &exec.ID
	view.Status = &status
	view.ExitCode = &exitCode
	view.StartedAt = exec.StartTime
	view.EndedAt = exec.EndTime
	view.LastUpdatedAt = exec.LastUpdated
	if exec.Status.IsTerminal() {
		full := 100
		view.ProgressPercent = &full
	}

	step, err := c.store.LatestStepExecution(ctx, exec.ID)
	if db.IsNoRows(err) {
		return view, nil
	}
	if err != nil {
		return view, fmt.Errorf("latest step: %w", err)
	}
	view.ReadCount = step.ReadCount
	view.WriteCount = step.WriteCount
	view.FilterCount = step.FilterCount
	view.SkipCount = step.SkipCount()
	view.CommitCount = step.CommitCount
	if step.LastUpdated != nil {
		view.LastUpdatedAt = step.LastUpdated
	}
	return view, nil
}
