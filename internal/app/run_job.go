package app

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/toonrank/internal/batch"
	"horse.fit/toonrank/internal/cli"
	"horse.fit/toonrank/internal/db"
)

func runJob(args []string) int {
	fs := flag.NewFlagSet("run-job", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: toonrank run-job [flags] <%s>\n", strings.Join([]string{batch.JobWebtoons, batch.JobAsura, batch.JobTapas}, "|"))
		return 2
	}
	jobName := strings.TrimSpace(fs.Arg(0))

	cfg, logger, code := loadEnv(envLoader)
	if code != 0 {
		return code
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
	defer func() { _ = jobs.Close(10 * time.Second) }()

	exec, err := jobs.control.Run(ctx, jobName, batch.TriggerCLI)
	if err != nil {
		var stateErr *batch.StateError
		switch {
		case errors.Is(err, batch.ErrUnknownJob):
			fmt.Fprintf(os.Stderr, "Unknown job: %s\n", jobName)
			return 2
		case errors.As(err, &stateErr):
			fmt.Fprintln(os.Stderr, stateErr.Message)
			return 1
		default:
			logger.Error().Err(err).Str("job", jobName).Msg("run-job failed")
			fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
			return 1
		}
	}

	view, err := jobs.control.Get(ctx, jobName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load execution view: %v\n", err)
		return 1
	}
	out, _ := json.MarshalIndent(view, "", "  ")
	fmt.Println(string(out))

	if exec.Status != db.StatusCompleted {
		return 1
	}
	return 0
}
