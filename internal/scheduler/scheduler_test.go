package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/batch"
)

type fakeStarter struct {
	mu    sync.Mutex
	calls []string
	err   error
	fired chan string
}

func (f *fakeStarter) Start(_ context.Context, jobName string, trigger batch.Trigger) (batch.CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, jobName+":"+string(trigger))
	err := f.err
	f.mu.Unlock()
	if f.fired != nil {
		select {
		case f.fired <- jobName:
		default:
		}
	}
	if err != nil {
		return batch.CommandResult{}, err
	}
	return batch.CommandResult{JobName: jobName, ExecutionID: 7, Message: "Started"}, nil
}

func (f *fakeStarter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestNewRejectsInvalidExpression(t *testing.T) {
	t.Parallel()

	_, err := New(&fakeStarter{}, map[string]string{batch.JobAsura: "not a cron"}, time.UTC, zerolog.Nop())
	if err == nil {
		t.Fatalf("expected invalid cron expression to fail")
	}
}

func TestNewSkipsBlankExpressions(t *testing.T) {
	t.Parallel()

	s, err := New(&fakeStarter{}, map[string]string{
		batch.JobWebtoons: "0 3 * * 1",
		batch.JobTapas:    "",
	}, time.UTC, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	next := s.Next()
	if len(next) != 1 {
		t.Fatalf("expected one scheduled job, got %v", next)
	}
	if _, ok := next[batch.JobWebtoons]; !ok {
		t.Fatalf("expected %s to be scheduled, got %v", batch.JobWebtoons, next)
	}
}

func TestTriggerUsesScheduleTrigger(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{}
	s, err := New(starter, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Trigger(context.Background(), batch.JobTapas)

	calls := starter.Calls()
	if len(calls) != 1 || calls[0] != batch.JobTapas+":schedule" {
		t.Fatalf("unexpected calls: %v", calls)
	}
}

func TestTriggerToleratesConflicts(t *testing.T) {
	t.Parallel()

	for _, err := range []error{
		&batch.StateError{Message: "Already running: asuraScrapeJob (executionId=3)", ExecutionID: 3},
		errors.New("database down"),
	} {
		starter := &fakeStarter{err: err}
		s, newErr := New(starter, nil, time.UTC, zerolog.Nop())
		if newErr != nil {
			t.Fatalf("new: %v", newErr)
		}
		s.Trigger(context.Background(), batch.JobAsura)
		if len(starter.Calls()) != 1 {
			t.Fatalf("expected one start attempt for %v", err)
		}
	}
}

func TestRunFiresEntriesUntilCanceled(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{fired: make(chan string, 1)}
	s, err := New(starter, map[string]string{batch.JobWebtoons: "@every 1s"}, time.UTC, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case name := <-starter.fired:
		if name != batch.JobWebtoons {
			t.Fatalf("unexpected job fired: %s", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduled job did not fire")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
}
