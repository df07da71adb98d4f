package db

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"horse.fit/toonrank/internal/config"
)

// These tests need a disposable Postgres database and are skipped unless
// TOONRANK_TEST_DATABASE_URL is set.
func openTestPool(t *testing.T) *Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("TOONRANK_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TOONRANK_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, &config.Config{
		DatabaseURL: dsn,
		DBMinConns:  1,
		DBMaxConns:  4,
		LogLevel:    "error",
		Environment: "test",
	})
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func createTestWork(t *testing.T, pool *Pool, title string) *Work {
	t.Helper()
	ctx := context.Background()

	w := &Work{CanonicalTitle: title + " " + uuid.NewString()}
	if err := pool.CreateWork(ctx, w); err != nil {
		t.Fatalf("CreateWork failed: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `DELETE FROM metric_snapshots WHERE work_id = $1`, w.ID)
		_, _ = pool.Exec(ctx, `DELETE FROM work_titles WHERE work_id = $1`, w.ID)
		_, _ = pool.Exec(ctx, `DELETE FROM work_external_ids WHERE work_id = $1`, w.ID)
		_, _ = pool.Exec(ctx, `DELETE FROM works WHERE id = $1`, w.ID)
	})
	return w
}

func TestPostgresFindTrendingRanksByRate(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	// Far-future clock keeps rows written by other runs out of the window.
	now := time.Date(2100, 1, 1, 12, 0, 0, 0, time.UTC)
	latestAt := now.Add(-time.Hour)

	a := createTestWork(t, pool, "Trending A")
	b := createTestWork(t, pool, "Trending B")
	c := createTestWork(t, pool, "Trending C")

	snapshots := []MetricSnapshot{
		{WorkID: a.ID, SourceID: SourceIDWebtoons, MetricType: MetricViews, MetricValue: 100, CapturedAt: latestAt.Add(-7 * 24 * time.Hour)},
		{WorkID: a.ID, SourceID: SourceIDWebtoons, MetricType: MetricViews, MetricValue: 110, CapturedAt: latestAt},
		{WorkID: b.ID, SourceID: SourceIDWebtoons, MetricType: MetricViews, MetricValue: 150, CapturedAt: latestAt.Add(-5 * 24 * time.Hour)},
		{WorkID: b.ID, SourceID: SourceIDWebtoons, MetricType: MetricViews, MetricValue: 200, CapturedAt: latestAt},
		{WorkID: c.ID, SourceID: SourceIDWebtoons, MetricType: MetricViews, MetricValue: 290, CapturedAt: latestAt.Add(-7 * 24 * time.Hour)},
		{WorkID: c.ID, SourceID: SourceIDWebtoons, MetricType: MetricViews, MetricValue: 300, CapturedAt: latestAt},
	}
	if err := pool.SaveSnapshots(ctx, snapshots); err != nil {
		t.Fatalf("SaveSnapshots failed: %v", err)
	}

	rows, err := pool.FindTrending(ctx, TrendingQuery{
		Metric: MetricViews,
		Limit:  3,
		Mode:   RankingRate,
		Now:    now,
	})
	if err != nil {
		t.Fatalf("FindTrending failed: %v", err)
	}
	want := []int64{b.ID, a.ID, c.ID}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(rows))
	}
	for i, id := range want {
		if rows[i].WorkID != id {
			t.Fatalf("row %d: expected work %d, got %d", i, id, rows[i].WorkID)
		}
	}
	if rows[0].Growth != 50 || rows[0].GrowthPerDay == nil || *rows[0].GrowthPerDay < 9.99 || *rows[0].GrowthPerDay > 10.01 {
		t.Fatalf("unexpected growth for first row: %+v", rows[0])
	}

	top, err := pool.FindTrending(ctx, TrendingQuery{Metric: MetricViews, Limit: 2, Mode: RankingRate, Now: now})
	if err != nil {
		t.Fatalf("FindTrending failed: %v", err)
	}
	if len(top) != 2 || top[0].WorkID != b.ID || top[1].WorkID != a.ID {
		t.Fatalf("expected [B, A], got %+v", top)
	}
}

func TestPostgresFindTrendingSkipsShortGaps(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	now := time.Date(2100, 2, 1, 12, 0, 0, 0, time.UTC)
	w := createTestWork(t, pool, "Trending Gap")

	if err := pool.SaveSnapshots(ctx, []MetricSnapshot{
		{WorkID: w.ID, SourceID: SourceIDTapas, MetricType: MetricLikes, MetricValue: 1, CapturedAt: now.Add(-3 * time.Hour)},
		{WorkID: w.ID, SourceID: SourceIDTapas, MetricType: MetricLikes, MetricValue: 9, CapturedAt: now.Add(-time.Hour)},
	}); err != nil {
		t.Fatalf("SaveSnapshots failed: %v", err)
	}

	rows, err := pool.FindTrending(ctx, TrendingQuery{Metric: MetricLikes, Limit: 10, Mode: RankingAbs, Now: now})
	if err != nil {
		t.Fatalf("FindTrending failed: %v", err)
	}
	for _, row := range rows {
		if row.WorkID == w.ID {
			t.Fatalf("expected a two hour baseline gap to be excluded, got %+v", row)
		}
	}
}

func TestPostgresFindTrendingAbsPctAndFreshness(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	now := time.Date(2100, 3, 1, 12, 0, 0, 0, time.UTC)
	at := now.Add(-time.Hour)
	week := 7 * 24 * time.Hour

	fromZero := createTestWork(t, pool, "Trending From Zero")
	half := createTestWork(t, pool, "Trending Half")
	large := createTestWork(t, pool, "Trending Large")
	stale := createTestWork(t, pool, "Trending Stale")
	staleAt := now.Add(-4 * 24 * time.Hour)

	if err := pool.SaveSnapshots(ctx, []MetricSnapshot{
		{WorkID: fromZero.ID, SourceID: SourceIDWebtoons, MetricType: MetricViews, MetricValue: 0, CapturedAt: at.Add(-week)},
		{WorkID: fromZero.ID, SourceID: SourceIDWebtoons, MetricType: MetricViews, MetricValue: 500, CapturedAt: at},
		{WorkID: half.ID, SourceID: SourceIDWebtoons, MetricType: MetricViews, MetricValue: 100, CapturedAt: at.Add(-week)},
		{WorkID: half.ID, SourceID: SourceIDWebtoons, MetricType: MetricViews, MetricValue: 150, CapturedAt: at},
		{WorkID: large.ID, SourceID: SourceIDWebtoons, MetricType: MetricViews, MetricValue: 1000, CapturedAt: at.Add(-week)},
		{WorkID: large.ID, SourceID: SourceIDWebtoons, MetricType: MetricViews, MetricValue: 1300, CapturedAt: at},
		{WorkID: stale.ID, SourceID: SourceIDWebtoons, MetricType: MetricViews, MetricValue: 10, CapturedAt: staleAt.Add(-week)},
		{WorkID: stale.ID, SourceID: SourceIDWebtoons, MetricType: MetricViews, MetricValue: 10000, CapturedAt: staleAt},
	}); err != nil {
		t.Fatalf("SaveSnapshots failed: %v", err)
	}

	ours := map[int64]bool{fromZero.ID: true, half.ID: true, large.ID: true, stale.ID: true}
	rank := func(mode RankingMode) []TrendingRow {
		t.Helper()
		rows, err := pool.FindTrending(ctx, TrendingQuery{Metric: MetricViews, Limit: 100, Mode: mode, Now: now})
		if err != nil {
			t.Fatalf("FindTrending %s failed: %v", mode, err)
		}
		var out []TrendingRow
		for _, row := range rows {
			if ours[row.WorkID] {
				out = append(out, row)
			}
		}
		return out
	}
	assertOrder := func(mode RankingMode, rows []TrendingRow, want ...int64) {
		t.Helper()
		if len(rows) != len(want) {
			t.Fatalf("%s: expected %d rows, got %+v", mode, len(want), rows)
		}
		for i, id := range want {
			if rows[i].WorkID != id {
				t.Fatalf("%s row %d: expected work %d, got %d", mode, i, id, rows[i].WorkID)
			}
		}
	}

	assertOrder(RankingAbs, rank(RankingAbs), fromZero.ID, large.ID, half.ID)

	pct := rank(RankingPct)
	assertOrder(RankingPct, pct, half.ID, large.ID, fromZero.ID)
	if pct[0].GrowthPercent == nil || *pct[0].GrowthPercent < 0.499 || *pct[0].GrowthPercent > 0.501 {
		t.Fatalf("expected 0.5 growth for the first PCT row, got %v", pct[0].GrowthPercent)
	}
	if pct[2].GrowthPercent != nil {
		t.Fatalf("expected NULL percentage from a zero baseline, got %v", *pct[2].GrowthPercent)
	}
}

func TestPostgresMarkJobStartedRefusesStoppingExecution(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	jobName := "startRace-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `DELETE FROM batch_job_executions WHERE job_name = $1`, jobName)
	})

	now := time.Now().UTC()
	exec := &JobExecution{ExecutionUUID: uuid.NewString(), JobName: jobName, Status: StatusStarting, ExitCode: "UNKNOWN", LastUpdated: &now}
	if err := pool.CreateJobExecution(ctx, exec); err != nil {
		t.Fatalf("CreateJobExecution failed: %v", err)
	}
	if ok, err := pool.RequestStop(ctx, exec.ID, now); err != nil || !ok {
		t.Fatalf("RequestStop = %v, %v", ok, err)
	}

	ok, err := pool.MarkJobStarted(ctx, exec, now)
	if err != nil {
		t.Fatalf("MarkJobStarted failed: %v", err)
	}
	if ok {
		t.Fatalf("expected a STOPPING execution to stay STOPPING")
	}
	got, err := pool.GetJobExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetJobExecution failed: %v", err)
	}
	if got.Status != StatusStopping || got.StartTime != nil {
		t.Fatalf("unexpected row after refused start: %+v", got)
	}

	fresh := &JobExecution{ExecutionUUID: uuid.NewString(), JobName: jobName, Status: StatusStarting, ExitCode: "UNKNOWN", LastUpdated: &now}
	if err := pool.CreateJobExecution(ctx, fresh); err != nil {
		t.Fatalf("CreateJobExecution failed: %v", err)
	}
	if ok, err := pool.MarkJobStarted(ctx, fresh, now); err != nil || !ok {
		t.Fatalf("MarkJobStarted = %v, %v", ok, err)
	}
	if fresh.Status != StatusStarted || fresh.Version != 1 || fresh.StartTime == nil {
		t.Fatalf("unexpected execution after start: %+v", fresh)
	}
}

const staleMessage = "Marked as FAILED: stale execution heartbeat"

func TestPostgresFailStaleExecutions(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	jobName := "staleJob-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `DELETE FROM batch_step_executions WHERE job_execution_id IN (SELECT id FROM batch_job_executions WHERE job_name = $1)`, jobName)
		_, _ = pool.Exec(ctx, `DELETE FROM batch_job_executions WHERE job_name = $1`, jobName)
	})

	now := time.Now().UTC()
	old := now.Add(-time.Hour)
	fresh := now.Add(-10 * time.Second)

	stale := &JobExecution{ExecutionUUID: uuid.NewString(), JobName: jobName, Status: StatusStarted, ExitCode: "UNKNOWN", StartTime: &old, LastUpdated: &old}
	live := &JobExecution{ExecutionUUID: uuid.NewString(), JobName: jobName, Status: StatusStarted, ExitCode: "UNKNOWN", StartTime: &old, LastUpdated: &fresh}
	for _, j := range []*JobExecution{stale, live} {
		if err := pool.CreateJobExecution(ctx, j); err != nil {
			t.Fatalf("CreateJobExecution failed: %v", err)
		}
	}
	step := &StepExecution{JobExecutionID: stale.ID, StepName: "scrapeStep", Status: StatusStarted, ExitCode: "UNKNOWN", StartTime: &old, LastUpdated: &old}
	if err := pool.CreateStepExecution(ctx, step); err != nil {
		t.Fatalf("CreateStepExecution failed: %v", err)
	}

	failed, err := pool.FailStaleExecutions(ctx, jobName, now.Add(-5*time.Minute), now, staleMessage)
	if err != nil {
		t.Fatalf("FailStaleExecutions failed: %v", err)
	}
	if failed != 1 {
		t.Fatalf("expected 1 stale execution, got %d", failed)
	}

	gotStale, err := pool.GetJobExecution(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetJobExecution failed: %v", err)
	}
	if gotStale.Status != StatusFailed || gotStale.EndTime == nil || gotStale.Version != 1 {
		t.Fatalf("unexpected stale row: %+v", gotStale)
	}
	if gotStale.ExitMessage == nil || *gotStale.ExitMessage != staleMessage {
		t.Fatalf("unexpected exit message: %v", gotStale.ExitMessage)
	}

	gotLive, err := pool.GetJobExecution(ctx, live.ID)
	if err != nil {
		t.Fatalf("GetJobExecution failed: %v", err)
	}
	if gotLive.Status != StatusStarted {
		t.Fatalf("expected live execution to stay STARTED, got %s", gotLive.Status)
	}

	gotStep, err := pool.LatestStepExecution(ctx, stale.ID)
	if err != nil {
		t.Fatalf("LatestStepExecution failed: %v", err)
	}
	if gotStep.Status != StatusFailed {
		t.Fatalf("expected step to be FAILED, got %s", gotStep.Status)
	}
}

func TestPostgresDuplicateCanonicalTitleIsUniqueViolation(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	w := createTestWork(t, pool, "Duplicate")
	err := pool.CreateWork(ctx, &Work{CanonicalTitle: w.CanonicalTitle})
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}

	if _, err := pool.GetWork(ctx, -1); !IsNoRows(err) {
		t.Fatalf("expected no rows, got %v", err)
	}
}
