package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/toonrank/internal/batch"
	"horse.fit/toonrank/internal/cli"
	"horse.fit/toonrank/internal/globaltime"
)

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Second, "Database ping timeout")

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

	pool, err := connect(cfg, logger, *timeout)
	if err != nil {
		return 1
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	recent, err := pool.CountSnapshots(ctx, globaltime.UTC().Add(-24*time.Hour))
	if err != nil {
		logger.Error().Err(err).Msg("health check failed")
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}

	if cfg.RedisURL != "" {
		client, err := batch.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("redis health check failed")
			fmt.Fprintf(os.Stderr, "Redis health check failed: %v\n", err)
			return 1
		}
		_ = client.Close()
	}

	logger.Info().
		Dur("timeout", *timeout).
		Int64("snapshots_24h", recent).
		Msg("database health check passed")
	fmt.Printf("ok: database ping successful (snapshots in last 24h: %d)\n", recent)
	return 0
}
