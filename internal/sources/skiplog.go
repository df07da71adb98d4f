package sources

import (
	"sync"

	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/metrics"
)

// skipLogLimit is how many skipped titles a summary lists.
const skipLogLimit = 10

// SkipLog counts titles that could not be mapped to a work and keeps the
// first few for the end-of-step summary.
type SkipLog struct {
	mu     sync.Mutex
	titles []string
	count  int
}

func (s *SkipLog) Add(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if len(s.titles) < skipLogLimit {
		s.titles = append(s.titles, title)
	}
}

func (s *SkipLog) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Titles returns the retained titles, at most ten.
func (s *SkipLog) Titles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}

func (s *SkipLog) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = nil
	s.count = 0
}

// Summarize logs the skipped titles, followed by "..." when more were skipped
// than retained.
func (s *SkipLog) Summarize(logger zerolog.Logger, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return
	}
	metrics.UnresolvedTitlesTotal.WithLabelValues(source).Add(float64(s.count))
	listed := append([]string(nil), s.titles...)
	if s.count > len(listed) {
		listed = append(listed, "...")
	}
	logger.Warn().
		Str("source", source).
		Int("skipped", s.count).
		Strs("titles", listed).
		Msg("scrape skipped titles with no work match")
}
