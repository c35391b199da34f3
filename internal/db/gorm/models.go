// Package gorm provides the GORM-based state database for skill-mill.
package gorm

import (
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/Yehonatan-Bar/skill-mill/pkg/models"
)

// GORM Models

// Note: JSON array columns use models.JSONStringArray, which implements
// sql.Scanner and driver.Valuer.

// ChangeRecord tracks a source document's content hash across runs.
// Equal content_hash and last_processed_hash proves the document
// unchanged and all its derived artifacts valid.
type ChangeRecord struct {
	DocID             string                 `gorm:"primaryKey;type:text"`
	Path              string                 `gorm:"type:text;not null"`
	ContentHash       string                 `gorm:"type:text;not null"`
	LastProcessedHash string                 `gorm:"type:text"`
	ClusterIDs        models.JSONStringArray `gorm:"type:text"` // clusters holding this doc after the last run
	Retired           int                    `gorm:"default:0;index:idx_change_records_retired"`
	FirstSeenAt       string                 `gorm:"not null"`
	FirstSeenAtEpoch  int64                  `gorm:"not null"`
	ProcessedAt       sql.NullString
	ProcessedAtEpoch  sql.NullInt64 `gorm:"index:idx_change_records_processed,sort:desc"`
}

func (ChangeRecord) TableName() string { return "change_records" }

// BeforeCreate hook to ensure timestamps are set.
func (r *ChangeRecord) BeforeCreate(tx *gorm.DB) error {
	if r.FirstSeenAtEpoch == 0 {
		r.FirstSeenAtEpoch = time.Now().UnixMilli()
	}
	if r.FirstSeenAt == "" {
		r.FirstSeenAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// Unchanged reports whether the document's current content matches what
// was last processed.
func (r *ChangeRecord) Unchanged() bool {
	return r.LastProcessedHash != "" && r.ContentHash == r.LastProcessedHash
}

// ClusterState mirrors one finalized cluster for incremental runs.
type ClusterState struct {
	ClusterID      string                 `gorm:"primaryKey;type:text"`
	BucketKey      string                 `gorm:"index;not null"`
	Members        models.JSONStringArray `gorm:"type:text"`
	SignatureJSON  string                 `gorm:"type:text"` // serialized models.ClusterSignature
	Confidence     float64                `gorm:"type:real;default:0"`
	Singleton      int                    `gorm:"default:0"`
	Dirty          int                    `gorm:"default:0;index:idx_cluster_states_dirty"`
	IsMerged       int                    `gorm:"default:0"`
	SplitFrom      sql.NullString
	SourceClusters models.JSONStringArray `gorm:"type:text"`
	SourceBuckets  models.JSONStringArray `gorm:"type:text"`
	RunID          string                 `gorm:"index"`
	UpdatedAt      string                 `gorm:"not null"`
	UpdatedAtEpoch int64                  `gorm:"index:idx_cluster_states_updated,sort:desc;not null"`
}

func (ClusterState) TableName() string { return "cluster_states" }

// BeforeCreate hook to ensure timestamps are set.
func (c *ClusterState) BeforeCreate(tx *gorm.DB) error {
	if c.UpdatedAtEpoch == 0 {
		c.UpdatedAtEpoch = time.Now().UnixMilli()
	}
	if c.UpdatedAt == "" {
		c.UpdatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// RunRecord journals one pipeline run.
type RunRecord struct {
	RunID           string `gorm:"primaryKey;type:text"`
	Status          string `gorm:"type:text;check:status IN ('running', 'completed', 'failed');default:'running';index"`
	StartedAt       string `gorm:"not null"`
	StartedAtEpoch  int64  `gorm:"index:idx_run_records_started,sort:desc;not null"`
	FinishedAt      sql.NullString
	FinishedAtEpoch sql.NullInt64
	TotalsJSON      string         `gorm:"type:text"` // serialized models.RunTotals
	Error           sql.NullString `gorm:"type:text"`
}

func (RunRecord) TableName() string { return "run_records" }

// BeforeCreate hook to ensure timestamps are set.
func (r *RunRecord) BeforeCreate(tx *gorm.DB) error {
	if r.StartedAtEpoch == 0 {
		r.StartedAtEpoch = time.Now().UnixMilli()
	}
	if r.StartedAt == "" {
		r.StartedAt = time.Now().Format(time.RFC3339)
	}
	if r.Status == "" {
		r.Status = "running"
	}
	return nil
}

// PhaseCheckpoint records a completed pipeline phase for resume. A
// checkpoint is only honored when the corpus hash still matches.
type PhaseCheckpoint struct {
	ID               int64  `gorm:"primaryKey;autoIncrement"`
	RunID            string `gorm:"index;not null;uniqueIndex:idx_checkpoints_run_phase,priority:1"`
	Phase            string `gorm:"not null;uniqueIndex:idx_checkpoints_run_phase,priority:2"`
	CorpusHash       string `gorm:"index;not null"`
	CompletedAt      string `gorm:"not null"`
	CompletedAtEpoch int64  `gorm:"not null"`
}

func (PhaseCheckpoint) TableName() string { return "phase_checkpoints" }

// BeforeCreate hook to ensure timestamps are set.
func (p *PhaseCheckpoint) BeforeCreate(tx *gorm.DB) error {
	if p.CompletedAtEpoch == 0 {
		p.CompletedAtEpoch = time.Now().UnixMilli()
	}
	if p.CompletedAt == "" {
		p.CompletedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// ExtractionSummary is the searchable audit row per extracted document,
// indexed by FTS5 on the SQLite backend.
type ExtractionSummary struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	DocID          string `gorm:"uniqueIndex;not null"`
	TriggerSummary string `gorm:"type:text"`
	Tags           string `gorm:"type:text"` // space-joined normalized tags
	IssueText      string `gorm:"type:text"`
	BucketKey      string `gorm:"index"`
	ClusterID      string `gorm:"index"`
	WarningCount   int    `gorm:"default:0"`
	UpdatedAt      string `gorm:"not null"`
	UpdatedAtEpoch int64  `gorm:"not null"`
}

func (ExtractionSummary) TableName() string { return "extraction_summaries" }

// BeforeCreate hook to ensure timestamps are set.
func (e *ExtractionSummary) BeforeCreate(tx *gorm.DB) error {
	if e.UpdatedAtEpoch == 0 {
		e.UpdatedAtEpoch = time.Now().UnixMilli()
	}
	if e.UpdatedAt == "" {
		e.UpdatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}
