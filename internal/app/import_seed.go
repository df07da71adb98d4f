package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/toonrank/internal/cli"
	"horse.fit/toonrank/internal/seed"
)

func runImportSeed(args []string) int {
	fs := flag.NewFlagSet("import-seed", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	file := fs.String("file", "series.json", "Seed catalog JSON array")
	batchSize := fs.Int("batch-size", seed.DefaultBatchSize, "Rows per title/external id insert batch")
	progressInterval := fs.Int("progress-interval", seed.DefaultProgressInterval, "Log progress every N entries (0 disables)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	path := strings.TrimSpace(*file)
	if path == "" {
		fmt.Fprintln(os.Stderr, "--file must not be empty")
		return 2
	}
	if *batchSize <= 0 {
		fmt.Fprintln(os.Stderr, "--batch-size must be > 0")
		return 2
	}

	cfg, logger, code := loadEnv(envLoader)
	if code != 0 {
		return code
	}

	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Seed import skipped: %v\n", err)
		return 1
	}
	defer f.Close()

	pool, err := connect(cfg, logger, 10*time.Second)
	if err != nil {
		return 1
	}
	defer pool.Close()

	ctx, cancel := signalContext()
	defer cancel()

	logger.Info().Str("file", path).Msg("seed import started")
	importer := seed.NewImporter(pool, seed.Options{
		BatchSize:        *batchSize,
		ProgressInterval: *progressInterval,
	}, logger)
	stats, err := importer.Import(ctx, f)
	if err != nil {
		logger.Error().Err(err).Int64("processed", stats.Processed).Msg("seed import failed")
		fmt.Fprintf(os.Stderr, "Seed import failed after %d entries: %v\n", stats.Processed, err)
		return 1
	}

	fmt.Printf(
		"import-seed processed=%d invalid=%d created=%d matched=%d titles=%d external_ids=%d title_conflicts=%d external_id_conflicts=%d\n",
		stats.Processed,
		stats.Invalid,
		stats.CreatedWorks,
		stats.MatchedWorks,
		stats.TitlesAdded,
		stats.ExternalIDsAdded,
		stats.TitleConflicts,
		stats.ExternalIDConflicts,
	)
	return 0
}
