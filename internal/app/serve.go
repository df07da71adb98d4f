package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"horse.fit/toonrank/internal/cli"
	"horse.fit/toonrank/internal/config"
	"horse.fit/toonrank/internal/httpapi"
	"horse.fit/toonrank/internal/scheduler"
	"horse.fit/toonrank/internal/trending"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "0.0.0.0", "Host interface to bind")
	port := fs.Int("port", 8080, "HTTP port")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout for HTTP and running jobs")
	noScheduler := fs.Bool("no-scheduler", false, "Serve the API without cron-triggered jobs")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

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
	defer func() {
		if err := jobs.Close(*shutdownTimeout); err != nil {
			logger.Warn().Err(err).Msg("running jobs did not stop in time")
		}
	}()

	srv := httpapi.NewServer(
		trending.NewService(pool, cfg.RankingExcludedGenres, cfg.TrendingCoverFallbackURL, logger),
		jobs.control,
		logger,
		httpapi.Options{
			Host:            *host,
			Port:            *port,
			ReadTimeout:     *readTimeout,
			WriteTimeout:    *writeTimeout,
			ShutdownTimeout: *shutdownTimeout,
			AllowedOrigins:  cfg.CORSAllowedOriginsList(),
		},
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})

	if cfg.ScrapeEnabled && !*noScheduler {
		sched, err := newScheduler(cfg, jobs, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to configure scheduler: %v\n", err)
			cancel()
			_ = g.Wait()
			return 1
		}
		g.Go(func() error {
			return sched.Run(gctx)
		})
	} else {
		logger.Info().Msg("scheduler disabled")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Str("host", *host).Int("port", *port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}
	return 0
}

func newScheduler(cfg *config.Config, jobs *pipelines, logger zerolog.Logger) (*scheduler.Scheduler, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return scheduler.New(jobs.control, cfg.JobCrons(), loc, logger)
}
