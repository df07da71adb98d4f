package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/toonrank/internal/cli"
)

func runSchedule(args []string) int {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	shutdownTimeout := fs.Duration("shutdown-timeout", 30*time.Second, "How long to wait for running jobs on shutdown")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, logger, code := loadEnv(envLoader)
	if code != 0 {
		return code
	}
	if !cfg.ScrapeEnabled {
		fmt.Fprintln(os.Stderr, "SCRAPE_ENABLED is false; nothing to schedule")
		return 1
	}

	pool, err := connect(cfg, logger, 10*time.Second)
	if err != nil {
		return 1
	}
	defer pool.Close()

	ctx, cancel := signalContext()
	defer cancel()

	jobs, err := buildPipelines(ctx, cfg, pool, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build pipelines")
		fmt.Fprintf(os.Stderr, "Failed to build pipelines: %v\n", err)
		return 1
	}
	defer func() {
		if err := jobs.Close(*shutdownTimeout); err != nil {
			logger.Warn().Err(err).Msg("running jobs did not stop in time")
		}
	}()

	sched, err := newScheduler(cfg, jobs, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure scheduler: %v\n", err)
		return 1
	}
	if err := sched.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("scheduler failed")
		return 1
	}
	return 0
}
