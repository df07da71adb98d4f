package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		DatabaseURL:                  "postgres://localhost/toonrank",
		DBMinConns:                   1,
		DBMaxConns:                   4,
		SnapshotCron:                 "0 3 * * 1",
		SnapshotZone:                 "UTC",
		TapasPageSize:                25,
		MangaUpdatesSearchMinScore:   700,
		MangaUpdatesSearchMaxResults: 10,
		BatchChunkSize:               10,
		BatchStaleExecutionSeconds:   300,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "missing database", mutate: func(c *Config) { c.DatabaseURL = " " }, want: "DATABASE_URL"},
		{name: "conns inverted", mutate: func(c *Config) { c.DBMinConns = 9 }, want: "DB_MIN_CONNS"},
		{name: "chunk size", mutate: func(c *Config) { c.BatchChunkSize = 0 }, want: "BATCH_CHUNK_SIZE"},
		{name: "negative delay", mutate: func(c *Config) { c.AsuraPageDelayMs = -1 }, want: "ASURA_PAGE_DELAY_MS"},
		{name: "min score", mutate: func(c *Config) { c.MangaUpdatesSearchMinScore = 1200 }, want: "MIN_SCORE"},
		{name: "zone", mutate: func(c *Config) { c.SnapshotZone = "Mars/Olympus" }, want: "SNAPSHOT_ZONE"},
		{name: "cron", mutate: func(c *Config) { c.AsuraCron = "every tuesday" }, want: "asuraScrapeJob"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() error = %q, want it to mention %q", err.Error(), tc.want)
			}
		})
	}
}

func TestJobCronsFallBackToSnapshotCron(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.TapasCron = "*/30 * * * *"

	crons := cfg.JobCrons()
	if crons["tapasScrapeJob"] != "*/30 * * * *" {
		t.Fatalf("tapas cron = %q", crons["tapasScrapeJob"])
	}
	if crons["webtoonsScrapeJob"] != "0 3 * * 1" || crons["asuraScrapeJob"] != "0 3 * * 1" {
		t.Fatalf("fallback crons = %#v", crons)
	}
}

func TestSplitCSVDropsBlanksAndDuplicates(t *testing.T) {
	t.Parallel()

	got := SplitCSV(" Romance, ,Drama,Romance ,BL")
	want := []string{"Romance", "Drama", "BL"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("SplitCSV() = %v, want %v", got, want)
	}
}
