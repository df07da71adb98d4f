package db

import (
	"context"
	"fmt"
	"time"
)

// RankingMode orders trending rows.
type RankingMode string

const (
	RankingRate RankingMode = "RATE"
	RankingAbs  RankingMode = "ABS"
	RankingPct  RankingMode = "PCT"
)

// ParseRankingMode accepts the canonical upper-case names only.
func ParseRankingMode(raw string) (RankingMode, bool) {
	switch RankingMode(raw) {
	case RankingRate, RankingAbs, RankingPct:
		return RankingMode(raw), true
	default:
		return "", false
	}
}

// Trending windows.
const (
	TrendingFreshness     = 72 * time.Hour
	TrendingBaselineShift = 7 * 24 * time.Hour
	TrendingMinimumGap    = 6 * time.Hour
)

// TrendingQuery parameterizes FindTrending. A nil SourceID considers all
// scraping sources; an empty ExcludedGenresRegex disables the genre filter.
type TrendingQuery struct {
	Metric              MetricType
	SourceID            *int
	Limit               int
	Mode                RankingMode
	ExcludedGenresRegex string
	CoverFallbackURL    string
	Now                 time.Time
}

// TrendingRow is one ranked work.
type TrendingRow struct {
	WorkID        int64
	Title         string
	CoverImageURL *string
	ReadURL       *string
	LatestValue   int64
	LatestAt      time.Time
	PreviousValue int64
	PreviousAt    time.Time
	Growth        int64
	BaselineDays  float64
	GrowthPerDay  *float64
	GrowthPercent *float64
}

const trendingSQL = `
SELECT w.id,
	w.canonical_title,
	COALESCE(NULLIF(w.cover_image_url, ''), NULLIF($6::text, '')) AS cover_image_url,
	r.read_url,
	l.metric_value AS latest_value,
	l.captured_at AS latest_at,
	p.metric_value AS previous_value,
	p.captured_at AS previous_at,
	(l.metric_value - p.metric_value) AS growth,
	(EXTRACT(EPOCH FROM (l.captured_at - p.captured_at)) / 86400.0)::double precision AS baseline_days,
	((l.metric_value - p.metric_value)
		/ NULLIF(EXTRACT(EPOCH FROM (l.captured_at - p.captured_at)) / 86400.0, 0))::double precision AS growth_per_day,
	(CASE
		WHEN p.metric_value > 0
			THEN (l.metric_value - p.metric_value)::numeric / p.metric_value::numeric
		ELSE NULL
	END)::double precision AS growth_percent
FROM works w
JOIN LATERAL (
	SELECT ms.metric_value, ms.captured_at
	FROM metric_snapshots ms
	WHERE ms.work_id = w.id
	  AND ms.metric_type = $1
	  AND ($2::int IS NULL OR ms.source_id = $2::int)
	ORDER BY ms.captured_at DESC, ms.id DESC
	LIMIT 1
) l ON TRUE
JOIN LATERAL (
	SELECT ms.metric_value, ms.captured_at
	FROM metric_snapshots ms
	WHERE ms.work_id = w.id
	  AND ms.metric_type = $1
	  AND ($2::int IS NULL OR ms.source_id = $2::int)
	  AND ms.captured_at < l.captured_at
	ORDER BY ABS(EXTRACT(EPOCH FROM ((l.captured_at - INTERVAL '7 days') - ms.captured_at))) ASC,
		ms.captured_at DESC
	LIMIT 1
) p ON TRUE
LEFT JOIN LATERAL (
	SELECT COALESCE(
		NULLIF(x.url, ''),
		CASE WHEN x.external_id LIKE 'http%' THEN x.external_id ELSE NULL END
	) AS read_url
	FROM work_external_ids x
	WHERE x.work_id = w.id
	  AND (
		($2::int = 1 AND x.source = 'WEBTOONS')
		OR ($2::int = 2 AND x.source = 'ASURA')
		OR ($2::int = 3 AND x.source = 'TAPAS')
		OR ($2::int IS NULL AND x.source IN ('WEBTOONS', 'ASURA', 'TAPAS'))
	  )
	ORDER BY CASE x.source
		WHEN 'WEBTOONS' THEN 1
		WHEN 'ASURA' THEN 2
		WHEN 'TAPAS' THEN 3
		ELSE 99
	END, x.id DESC
	LIMIT 1
) r ON TRUE
WHERE l.captured_at >= $7::timestamptz - INTERVAL '3 days'
  AND (
	w.genre IS NULL
	OR $5::text = ''
	OR w.genre !~* $5::text
  )
  AND EXTRACT(EPOCH FROM (l.captured_at - p.captured_at)) >= 21600
ORDER BY CASE
		WHEN $4::text = 'ABS' THEN (l.metric_value - p.metric_value)::numeric
		WHEN $4::text = 'PCT' THEN
			CASE
				WHEN p.metric_value > 0
					THEN (l.metric_value - p.metric_value)::numeric / p.metric_value::numeric
				ELSE NULL
			END
		ELSE (l.metric_value - p.metric_value)
			/ NULLIF(EXTRACT(EPOCH FROM (l.captured_at - p.captured_at)) / 86400.0, 0)
	END DESC NULLS LAST,
	(l.metric_value - p.metric_value) DESC,
	w.id ASC
LIMIT $3
`

// FindTrending ranks works by growth of one metric between the latest snapshot
// and a baseline chosen near seven days earlier.
func (p *Pool) FindTrending(ctx context.Context, query TrendingQuery) ([]TrendingRow, error) {
	if query.Limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	if _, ok := ParseMetricType(string(query.Metric)); !ok {
		return nil, fmt.Errorf("unknown metric %q", query.Metric)
	}
	mode := query.Mode
	if mode == "" {
		mode = RankingRate
	}
	now := query.Now
	if now.IsZero() {
		now = time.Now()
	}

	var sourceID any
	if query.SourceID != nil {
		sourceID = *query.SourceID
	}

	rows, err := p.Query(ctx, trendingSQL,
		string(query.Metric),
		sourceID,
		query.Limit,
		string(mode),
		query.ExcludedGenresRegex,
		query.CoverFallbackURL,
		now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query trending: %w", err)
	}
	defer rows.Close()

	out := make([]TrendingRow, 0, query.Limit)
	for rows.Next() {
		var row TrendingRow
		if err := rows.Scan(
			&row.WorkID,
			&row.Title,
			&row.CoverImageURL,
			&row.ReadURL,
			&row.LatestValue,
			&row.LatestAt,
			&row.PreviousValue,
			&row.PreviousAt,
			&row.Growth,
			&row.BaselineDays,
			&row.GrowthPerDay,
			&row.GrowthPercent,
		); err != nil {
			return nil, fmt.Errorf("scan trending row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trending rows: %w", err)
	}
	return out, nil
}
