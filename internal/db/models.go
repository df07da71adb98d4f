package db

import (
	"time"

	"gorm.io/datatypes"
)

// TitleSource identifies where a title, external id or cover came from.
type TitleSource string

const (
	SourceWebtoons     TitleSource = "WEBTOONS"
	SourceAsura        TitleSource = "ASURA"
	SourceTapas        TitleSource = "TAPAS"
	SourceMangaDex     TitleSource = "MANGADEX"
	SourceAniList      TitleSource = "ANILIST"
	SourceMyAnimeList  TitleSource = "MYANIMELIST"
	SourceKitsu        TitleSource = "KITSU"
	SourceMangaUpdates TitleSource = "MANGAUPDATES"
	SourceOther        TitleSource = "OTHER"
)

// MetricType is the kind of counter a snapshot records.
type MetricType string

const (
	MetricViews       MetricType = "VIEWS"
	MetricFollowers   MetricType = "FOLLOWERS"
	MetricSubscribers MetricType = "SUBSCRIBERS"
	MetricLikes       MetricType = "LIKES"
)

// ParseMetricType accepts the canonical upper-case names only.
func ParseMetricType(raw string) (MetricType, bool) {
	switch MetricType(raw) {
	case MetricViews, MetricFollowers, MetricSubscribers, MetricLikes:
		return MetricType(raw), true
	default:
		return "", false
	}
}

// Scraping source ids stored on metric_snapshots.source_id.
const (
	SourceIDWebtoons = 1
	SourceIDAsura    = 2
	SourceIDTapas    = 3
)

// SourceForID maps a snapshot source id to its title source.
func SourceForID(id int) (TitleSource, bool) {
	switch id {
	case SourceIDWebtoons:
		return SourceWebtoons, true
	case SourceIDAsura:
		return SourceAsura, true
	case SourceIDTapas:
		return SourceTapas, true
	default:
		return "", false
	}
}

// BatchStatus is the lifecycle state of a job or step execution.
type BatchStatus string

const (
	StatusStarting  BatchStatus = "STARTING"
	StatusStarted   BatchStatus = "STARTED"
	StatusStopping  BatchStatus = "STOPPING"
	StatusStopped   BatchStatus = "STOPPED"
	StatusCompleted BatchStatus = "COMPLETED"
	StatusFailed    BatchStatus = "FAILED"
	StatusAbandoned BatchStatus = "ABANDONED"
)

// IsActive reports whether the execution still owns its job.
func (s BatchStatus) IsActive() bool {
	return s == StatusStarting || s == StatusStarted || s == StatusStopping
}

// IsTerminal reports whether the execution has finished.
func (s BatchStatus) IsTerminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusFailed || s == StatusAbandoned
}

// Work maps works.
type Work struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	CanonicalTitle string    `gorm:"column:canonical_title;type:text;not null;uniqueIndex:uq_works_canonical_title"`
	Description    *string   `gorm:"column:description;type:text"`
	Genre          *string   `gorm:"column:genre;type:text"`
	CoverImageURL  *string   `gorm:"column:cover_image_url;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt      time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Work) TableName() string { return "works" }

// WorkTitle maps work_titles. The unique key over
// (work_id, normalized_title, source, language) treats NULL languages as equal
// and is created in post_automigrate.sql.
type WorkTitle struct {
	ID              int64       `gorm:"column:id;primaryKey;autoIncrement"`
	WorkID          int64       `gorm:"column:work_id;type:bigint;not null;index:idx_work_titles_work"`
	Title           string      `gorm:"column:title;type:text;not null"`
	NormalizedTitle string      `gorm:"column:normalized_title;type:text;not null;index:idx_work_titles_normalized"`
	Source          TitleSource `gorm:"column:source;type:varchar(32);not null"`
	Language        *string     `gorm:"column:language;type:varchar(16)"`
	Canonical       bool        `gorm:"column:canonical;not null;default:false"`
	Confidence      *float64    `gorm:"column:confidence;type:double precision"`
	CreatedAt       time.Time   `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (WorkTitle) TableName() string { return "work_titles" }

// WorkExternalID maps work_external_ids.
type WorkExternalID struct {
	ID         int64       `gorm:"column:id;primaryKey;autoIncrement"`
	WorkID     int64       `gorm:"column:work_id;type:bigint;not null;index:idx_work_external_ids_work_source,priority:1"`
	Source     TitleSource `gorm:"column:source;type:varchar(32);not null;uniqueIndex:uq_work_external_ids_source_external,priority:1;index:idx_work_external_ids_work_source,priority:2"`
	ExternalID string      `gorm:"column:external_id;type:text;not null;uniqueIndex:uq_work_external_ids_source_external,priority:2"`
	URL        *string     `gorm:"column:url;type:text"`
	CreatedAt  time.Time   `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt  time.Time   `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (WorkExternalID) TableName() string { return "work_external_ids" }

// CoverCandidate maps cover_candidates.
type CoverCandidate struct {
	ID           int64       `gorm:"column:id;primaryKey;autoIncrement"`
	WorkID       int64       `gorm:"column:work_id;type:bigint;not null;uniqueIndex:uq_cover_candidates_work_source,priority:1"`
	Source       TitleSource `gorm:"column:source;type:varchar(32);not null;uniqueIndex:uq_cover_candidates_work_source,priority:2"`
	ImageURL     string      `gorm:"column:image_url;type:text;not null"`
	QualityScore int         `gorm:"column:quality_score;type:integer;not null;default:0"`
	Width        *int        `gorm:"column:width;type:integer"`
	Height       *int        `gorm:"column:height;type:integer"`
	UpdatedAt    *time.Time  `gorm:"column:updated_at;type:timestamptz"`
}

func (CoverCandidate) TableName() string { return "cover_candidates" }

// MetricSnapshot maps metric_snapshots. Rows are append-only.
type MetricSnapshot struct {
	ID          int64      `gorm:"column:id;primaryKey;autoIncrement"`
	WorkID      int64      `gorm:"column:work_id;type:bigint;not null;index:idx_metric_snapshots_lookup,priority:1"`
	SourceID    int        `gorm:"column:source_id;type:smallint;not null;index:idx_metric_snapshots_lookup,priority:3"`
	MetricType  MetricType `gorm:"column:metric_type;type:varchar(16);not null;index:idx_metric_snapshots_lookup,priority:2"`
	MetricValue int64      `gorm:"column:metric_value;type:bigint;not null"`
	CapturedAt  time.Time  `gorm:"column:captured_at;type:timestamptz;not null;index:idx_metric_snapshots_lookup,priority:4,sort:desc"`
}

func (MetricSnapshot) TableName() string { return "metric_snapshots" }

// JobExecution maps batch_job_executions.
type JobExecution struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement"`
	ExecutionUUID string         `gorm:"column:execution_uuid;type:uuid;not null;unique"`
	JobName       string         `gorm:"column:job_name;type:varchar(100);not null;index:idx_batch_job_executions_job,priority:1"`
	Status        BatchStatus    `gorm:"column:status;type:varchar(16);not null"`
	ExitCode      string         `gorm:"column:exit_code;type:varchar(32);not null;default:UNKNOWN"`
	ExitMessage   *string        `gorm:"column:exit_message;type:varchar(2500)"`
	Parameters    datatypes.JSON `gorm:"column:parameters;type:jsonb"`
	StartTime     *time.Time     `gorm:"column:start_time;type:timestamptz"`
	EndTime       *time.Time     `gorm:"column:end_time;type:timestamptz"`
	LastUpdated   *time.Time     `gorm:"column:last_updated;type:timestamptz"`
	CreatedAt     time.Time      `gorm:"column:created_at;type:timestamptz;not null;default:now();index:idx_batch_job_executions_job,priority:2,sort:desc"`
	Version       int            `gorm:"column:version;type:integer;not null;default:0"`
}

func (JobExecution) TableName() string { return "batch_job_executions" }

// StepExecution maps batch_step_executions.
type StepExecution struct {
	ID               int64       `gorm:"column:id;primaryKey;autoIncrement"`
	JobExecutionID   int64       `gorm:"column:job_execution_id;type:bigint;not null;index:idx_batch_step_executions_job"`
	StepName         string      `gorm:"column:step_name;type:varchar(100);not null"`
	Status           BatchStatus `gorm:"column:status;type:varchar(16);not null"`
	ReadCount        int64       `gorm:"column:read_count;not null;default:0"`
	WriteCount       int64       `gorm:"column:write_count;not null;default:0"`
	FilterCount      int64       `gorm:"column:filter_count;not null;default:0"`
	ReadSkipCount    int64       `gorm:"column:read_skip_count;not null;default:0"`
	ProcessSkipCount int64       `gorm:"column:process_skip_count;not null;default:0"`
	WriteSkipCount   int64       `gorm:"column:write_skip_count;not null;default:0"`
	CommitCount      int64       `gorm:"column:commit_count;not null;default:0"`
	ExitCode         string      `gorm:"column:exit_code;type:varchar(32);not null;default:UNKNOWN"`
	ExitMessage      *string     `gorm:"column:exit_message;type:varchar(2500)"`
	StartTime        *time.Time  `gorm:"column:start_time;type:timestamptz"`
	EndTime          *time.Time  `gorm:"column:end_time;type:timestamptz"`
	LastUpdated      *time.Time  `gorm:"column:last_updated;type:timestamptz"`
	Version          int         `gorm:"column:version;type:integer;not null;default:0"`
}

func (StepExecution) TableName() string { return "batch_step_executions" }

// SkipCount is the sum of read, process and write skips.
func (s *StepExecution) SkipCount() int64 {
	if s == nil {
		return 0
	}
	return s.ReadSkipCount + s.ProcessSkipCount + s.WriteSkipCount
}

func autoMigrateModels() []any {
	return []any{
		&Work{},
		&WorkTitle{},
		&WorkExternalID{},
		&CoverCandidate{},
		&MetricSnapshot{},
		&JobExecution{},
		&StepExecution{},
	}
}
