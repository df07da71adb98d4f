// Package batch runs the scraping pipelines as chunked read, process and
// write steps and keeps their execution records.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/metrics"
)

// DefaultChunkSize is the number of items committed together.
const DefaultChunkSize = 10

// Reader yields items until it returns io.EOF. BeforeStep resets it for a
// new run.
type Reader[T any] interface {
	BeforeStep(ctx context.Context) error
	Read(ctx context.Context) (T, error)
}

// Processor turns an item into snapshots. An empty result filters the item.
type Processor[T any] interface {
	Process(ctx context.Context, item T) ([]db.MetricSnapshot, error)
}

// Writer persists snapshot chunks.
type Writer interface {
	SaveSnapshots(ctx context.Context, snapshots []db.MetricSnapshot) error
	SaveSnapshot(ctx context.Context, snapshot *db.MetricSnapshot) error
}

type beforeStepper interface {
	BeforeStep(ctx context.Context) error
}

type afterStepper interface {
	AfterStep(ctx context.Context)
}

// Heartbeat is called after every committed chunk with the updated step
// counters. It returns errStopRequested or errAborted to end the step.
type Heartbeat func(ctx context.Context, step *db.StepExecution) error

var (
	errStopRequested = errors.New("stop requested")
	errAborted       = errors.New("execution was failed externally")
)

// Job is one named pipeline the launcher can run.
type Job interface {
	Name() string
	StepName() string
	Execute(ctx context.Context, step *db.StepExecution, heartbeat Heartbeat) error
}

// Step runs Reader -> Processor -> Writer in chunks.
type Step[T any] struct {
	JobName   string
	Step      string
	Reader    Reader[T]
	Processor Processor[T]
	Writer    Writer
	ChunkSize int
	Logger    zerolog.Logger
}

func (s *Step[T]) Name() string { return s.JobName }

func (s *Step[T]) StepName() string { return s.Step }

// Execute runs the step to completion, a stop request or the first reader
// error. Processor errors skip the item; chunk write errors fall back to
// per-row inserts.
func (s *Step[T]) Execute(ctx context.Context, step *db.StepExecution, heartbeat Heartbeat) error {
	chunkSize := s.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	logger := s.Logger.With().Str("job", s.JobName).Str("step", s.Step).Logger()

	if err := s.Reader.BeforeStep(ctx); err != nil {
		return fmt.Errorf("reader before step: %w", err)
	}
	if hook, ok := s.Processor.(beforeStepper); ok {
		if err := hook.BeforeStep(ctx); err != nil {
			return fmt.Errorf("processor before step: %w", err)
		}
	}
	if hook, ok := s.Processor.(afterStepper); ok {
		defer hook.AfterStep(context.WithoutCancel(ctx))
	}

	for {
		chunk, items, done, err := s.fillChunk(ctx, step, chunkSize, logger)
		if err != nil {
			return err
		}
		if items == 0 && done {
			return nil
		}

		s.write(ctx, step, chunk, logger)
		step.CommitCount++
		if heartbeat != nil {
			if err := heartbeat(ctx, step); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
	}
}

func (s *Step[T]) fillChunk(ctx context.Context, step *db.StepExecution, size int, logger zerolog.Logger) ([]db.MetricSnapshot, int, bool, error) {
	var chunk []db.MetricSnapshot
	items := 0
	for items < size {
		if err := ctx.Err(); err != nil {
			return nil, items, false, err
		}
		item, err := s.Reader.Read(ctx)
		if errors.Is(err, io.EOF) {
			return chunk, items, true, nil
		}
		if err != nil {
			return nil, items, false, fmt.Errorf("read: %w", err)
		}
		items++
		step.ReadCount++
		metrics.ItemsTotal.WithLabelValues(s.JobName, "read").Inc()

		snaps, err := s.Processor.Process(ctx, item)
		if err != nil {
			if ctx.Err() != nil {
				return nil, items, false, ctx.Err()
			}
			step.ProcessSkipCount++
			metrics.ItemsTotal.WithLabelValues(s.JobName, "skipped").Inc()
			logger.Warn().Err(err).Msg("item failed; skipping")
			continue
		}
		if len(snaps) == 0 {
			step.FilterCount++
			metrics.ItemsTotal.WithLabelValues(s.JobName, "filtered").Inc()
			continue
		}
		chunk = append(chunk, snaps...)
	}
	return chunk, items, false, nil
}

// write commits the chunk in one statement and retries row by row when the
// batch is rejected. Duplicate rows count as write skips.
func (s *Step[T]) write(ctx context.Context, step *db.StepExecution, chunk []db.MetricSnapshot, logger zerolog.Logger) {
	if len(chunk) == 0 {
		return
	}
	err := s.Writer.SaveSnapshots(ctx, chunk)
	if err == nil {
		step.WriteCount += int64(len(chunk))
		metrics.ItemsTotal.WithLabelValues(s.JobName, "written").Add(float64(len(chunk)))
		return
	}
	logger.Warn().Err(err).Int("rows", len(chunk)).Msg("chunk write failed; retrying row by row")

	conflicts := 0
	for i := range chunk {
		row := chunk[i]
		if err := s.Writer.SaveSnapshot(ctx, &row); err != nil {
			step.WriteSkipCount++
			metrics.ItemsTotal.WithLabelValues(s.JobName, "skipped").Inc()
			if db.IsUniqueViolation(err) {
				conflicts++
				continue
			}
			logger.Warn().Err(err).Int64("work_id", row.WorkID).Str("metric", string(row.MetricType)).Msg("snapshot write failed")
			continue
		}
		step.WriteCount++
		metrics.ItemsTotal.WithLabelValues(s.JobName, "written").Inc()
	}
	if conflicts > 0 {
		logger.Info().Int("conflicts", conflicts).Msg("chunk rows already present")
	}
}
