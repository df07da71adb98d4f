package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/batch"
	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/db/memdb"
	"horse.fit/toonrank/internal/trending"
)

type trendingCall struct {
	metric   db.MetricType
	sourceID *int
	limit    int
	mode     db.RankingMode
}

type fakeTrending struct {
	mu    sync.Mutex
	calls []trendingCall
	items []trending.Item
	err   error
}

func (f *fakeTrending) Find(_ context.Context, metric db.MetricType, sourceID *int, limit int, mode db.RankingMode) ([]trending.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, trendingCall{metric: metric, sourceID: sourceID, limit: limit, mode: mode})
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func (f *fakeTrending) lastCall(t *testing.T) trendingCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatalf("expected trending to be queried")
	}
	return f.calls[len(f.calls)-1]
}

type fakeBatches struct {
	err error
}

func (f *fakeBatches) List(context.Context) ([]batch.JobView, error) {
	return []batch.JobView{{JobName: batch.JobAsura, Label: batch.Label(batch.JobAsura)}}, f.err
}

func (f *fakeBatches) Get(_ context.Context, name string) (batch.JobView, error) {
	return batch.JobView{JobName: name}, f.err
}

func (f *fakeBatches) Start(_ context.Context, name string, _ batch.Trigger) (batch.CommandResult, error) {
	return batch.CommandResult{JobName: name, ExecutionID: 1, Message: "Started"}, f.err
}

func (f *fakeBatches) Stop(_ context.Context, name string) (batch.CommandResult, error) {
	return batch.CommandResult{JobName: name, ExecutionID: 1, Message: "Stop requested"}, f.err
}

func serve(t *testing.T, srv *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	if body.Timestamp.IsZero() {
		t.Fatalf("expected timestamp in error body, got %s", rec.Body.String())
	}
	return body
}

func TestTrendingDefaults(t *testing.T) {
	t.Parallel()

	tr := &fakeTrending{items: []trending.Item{{WorkID: 7, Title: "Lookism", MetricType: db.MetricViews, RankingMode: db.RankingRate}}}
	srv := NewServer(tr, &fakeBatches{}, zerolog.Nop(), Options{})

	rec := serve(t, srv, http.MethodGet, "/api/trending")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	call := tr.lastCall(t)
	if call.metric != db.MetricViews || call.limit != 10 || call.mode != db.RankingRate || call.sourceID != nil {
		t.Fatalf("unexpected defaults: %+v", call)
	}
	var items []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0]["workId"] != float64(7) || items[0]["rankingMode"] != "RATE" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestTrendingParsesAndClampsParameters(t *testing.T) {
	t.Parallel()

	tr := &fakeTrending{}
	srv := NewServer(tr, &fakeBatches{}, zerolog.Nop(), Options{})

	rec := serve(t, srv, http.MethodGet, "/api/trending?metric=FOLLOWERS&limit=500&sourceId=2&mode=PCT")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	call := tr.lastCall(t)
	if call.metric != db.MetricFollowers || call.limit != 100 || call.mode != db.RankingPct {
		t.Fatalf("unexpected call: %+v", call)
	}
	if call.sourceID == nil || *call.sourceID != 2 {
		t.Fatalf("expected sourceId 2, got %v", call.sourceID)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}

	serve(t, srv, http.MethodGet, "/api/trending?limit=-3")
	if call := tr.lastCall(t); call.limit != 1 {
		t.Fatalf("expected limit clamped to 1, got %d", call.limit)
	}
}

func TestTrendingRejectsInvalidParameters(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeTrending{}, &fakeBatches{}, zerolog.Nop(), Options{})
	for target, want := range map[string]string{
		"/api/trending?metric=CLAPS": "Invalid metric: CLAPS",
		"/api/trending?mode=fast":    "Invalid mode: fast",
		"/api/trending?limit=ten":    "Invalid limit: ten",
		"/api/trending?sourceId=9":   "Unknown sourceId: 9",
	} {
		rec := serve(t, srv, http.MethodGet, target)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
		if body := decodeError(t, rec); body.Message != want {
			t.Fatalf("%s: expected message %q, got %q", target, want, body.Message)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		err     error
		method  string
		target  string
		status  int
		message string
	}{
		{
			name:    "unknown job",
			err:     fmt.Errorf("%w: fooJob", batch.ErrUnknownJob),
			method:  http.MethodPost,
			target:  "/api/batches/fooJob/start",
			status:  http.StatusBadRequest,
			message: "Unknown job: fooJob",
		},
		{
			name:    "not running",
			err:     &batch.StateError{Message: "Not running: asuraScrapeJob"},
			method:  http.MethodPost,
			target:  "/api/batches/asuraScrapeJob/stop",
			status:  http.StatusConflict,
			message: "Not running: asuraScrapeJob",
		},
		{
			name:    "unexpected",
			err:     errors.New("connection refused"),
			method:  http.MethodGet,
			target:  "/api/batches",
			status:  http.StatusInternalServerError,
			message: unexpectedErrorMessage,
		},
	}
	for _, tc := range cases {
		srv := NewServer(&fakeTrending{}, &fakeBatches{err: tc.err}, zerolog.Nop(), Options{})
		rec := serve(t, srv, tc.method, tc.target)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, rec.Code)
		}
		if body := decodeError(t, rec); body.Message != tc.message {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.message, body.Message)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeTrending{}, &fakeBatches{}, zerolog.Nop(), Options{})
	rec := serve(t, srv, http.MethodGet, "/api/health")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"service":"toonrank"`) {
		t.Fatalf("unexpected health response %d: %s", rec.Code, rec.Body.String())
	}

	rec = serve(t, srv, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", rec.Code)
	}
}

func TestUnknownRouteUsesErrorBody(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeTrending{}, &fakeBatches{}, zerolog.Nop(), Options{})
	rec := serve(t, srv, http.MethodGet, "/api/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Message == "" {
		t.Fatalf("expected message for 404")
	}
}

// blockingJob holds its execution open until release is closed.
type blockingJob struct {
	name    string
	release chan struct{}
}

func (j *blockingJob) Name() string     { return j.name }
func (j *blockingJob) StepName() string { return j.name + "Step" }

func (j *blockingJob) Execute(ctx context.Context, _ *db.StepExecution, _ batch.Heartbeat) error {
	select {
	case <-j.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestConcurrentStartOverHTTP(t *testing.T) {
	t.Parallel()

	store := memdb.New()
	job := &blockingJob{name: batch.JobAsura, release: make(chan struct{})}
	registry := batch.NewRegistry(job)
	launcher := batch.NewLauncher(store, registry, batch.NewLocalLocker(), time.Minute, zerolog.Nop())
	control := batch.NewControl(store, registry, launcher, 5*time.Minute, zerolog.Nop())
	t.Cleanup(func() {
		close(job.release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = launcher.Shutdown(ctx)
	})

	srv := NewServer(&fakeTrending{}, control, zerolog.Nop(), Options{})

	var wg sync.WaitGroup
	codes := make([]int, 2)
	bodies := make([]string, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := serve(t, srv, http.MethodPost, "/api/batches/asuraScrapeJob/start")
			codes[i] = rec.Code
			bodies[i] = rec.Body.String()
		}(i)
	}
	wg.Wait()

	ok, conflict := -1, -1
	for i, code := range codes {
		switch code {
		case http.StatusOK:
			ok = i
		case http.StatusConflict:
			conflict = i
		}
	}
	if ok < 0 || conflict < 0 {
		t.Fatalf("expected one 200 and one 409, got %v %v", codes, bodies)
	}

	var started batch.CommandResult
	if err := json.Unmarshal([]byte(bodies[ok]), &started); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if started.ExecutionID <= 0 {
		t.Fatalf("expected execution id, got %+v", started)
	}
	if !strings.Contains(bodies[conflict], "Already running") {
		t.Fatalf("expected Already running, got %s", bodies[conflict])
	}
}
