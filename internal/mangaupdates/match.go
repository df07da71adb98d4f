package mangaupdates

import (
	"sort"
	"strings"

	"horse.fit/toonrank/internal/titles"
)

const (
	scoreExact     = 1000
	scoreSubstring = 750
	scoreJaccard   = 600
	hitTitleBonus  = 220
	maxHitScore    = 1100

	// DefaultMinScore rejects weak best matches.
	DefaultMinScore = 700
	// Below confidentScore, the best hit must beat the runner-up by ambiguityGap.
	confidentScore = 900
	ambiguityGap   = 80
)

// ScoreTitle compares a normalized target with a candidate surface title.
func ScoreTitle(normalizedTarget, candidate string) int {
	if normalizedTarget == "" || titles.IsBlank(candidate) {
		return 0
	}
	normalized := titles.Normalize(candidate)
	if normalized == "" {
		return 0
	}
	if normalized == normalizedTarget {
		return scoreExact
	}
	if containsEither(normalizedTarget, normalized) {
		return scoreSubstring
	}
	return int(titles.TokenJaccard(normalizedTarget, normalized) * scoreJaccard)
}

func containsEither(a, b string) bool {
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// ScoreSeries is the best score over the series title, its associated titles
// and, with a bonus, the search hit title.
func ScoreSeries(normalizedTarget string, s *Series) int {
	if s == nil {
		return 0
	}
	best := ScoreTitle(normalizedTarget, s.Title)
	for _, alias := range s.Associated {
		if v := ScoreTitle(normalizedTarget, alias); v > best {
			best = v
		}
	}
	if !titles.IsBlank(s.HitTitle) {
		if hit := ScoreTitle(normalizedTarget, s.HitTitle); hit > 0 {
			if v := min(maxHitScore, hit+hitTitleBonus); v > best {
				best = v
			}
		}
	}
	return best
}

// Candidate is a scored search hit.
type Candidate struct {
	Series *Series
	Score  int
}

// SelectMatch returns the accepted best candidate or false when the best is
// below minScore or too close to the runner-up.
func SelectMatch(candidates []Candidate, minScore int) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	best := ranked[0]
	if best.Score < minScore {
		return Candidate{}, false
	}
	if len(ranked) > 1 && best.Score < confidentScore && best.Score-ranked[1].Score < ambiguityGap {
		return Candidate{}, false
	}
	return best, true
}
