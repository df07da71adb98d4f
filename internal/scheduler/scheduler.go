// Package scheduler triggers scrape jobs from cron expressions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/batch"
)

// Starter launches a job asynchronously.
type Starter interface {
	Start(ctx context.Context, jobName string, trigger batch.Trigger) (batch.CommandResult, error)
}

type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	logger  zerolog.Logger
	entries map[string]cron.EntryID
	ctx     context.Context
}

// New registers one cron entry per job. Blank expressions leave the job
// unscheduled.
func New(starter Starter, specs map[string]string, loc *time.Location, logger zerolog.Logger) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		starter: starter,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		entries: make(map[string]cron.EntryID, len(specs)),
		ctx:     context.Background(),
	}

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := specs[name]
		if spec == "" {
			continue
		}
		jobName := name
		id, err := s.cron.AddFunc(spec, func() { s.Trigger(s.ctx, jobName) })
		if err != nil {
			return nil, fmt.Errorf("schedule %s with %q: %w", name, spec, err)
		}
		s.entries[name] = id
	}
	return s, nil
}

// Trigger starts a job as a scheduled execution. A job that is already
// running is logged and left alone.
func (s *Scheduler) Trigger(ctx context.Context, jobName string) {
	result, err := s.starter.Start(ctx, jobName, batch.TriggerSchedule)
	if err != nil {
		var stateErr *batch.StateError
		if errors.As(err, &stateErr) {
			s.logger.Warn().Str("job", jobName).Int64("execution_id", stateErr.ExecutionID).Msg(stateErr.Message)
			return
		}
		s.logger.Error().Err(err).Str("job", jobName).Msg("scheduled launch failed")
		return
	}
	s.logger.Info().Str("job", jobName).Int64("execution_id", result.ExecutionID).Msg("scheduled launch")
}

// Next reports the next fire time of every scheduled job.
func (s *Scheduler) Next() map[string]time.Time {
	out := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Run starts the cron loop and blocks until ctx is canceled, then waits for
// triggers in flight to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	for name, next := range s.Next() {
		s.logger.Info().Str("job", name).Time("next", next).Msg("job scheduled")
	}
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
	return nil
}
