package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubtitleSegment is one time-coded phrase of the transcript. Within a job,
// segments are ordered, non-overlapping and carry non-empty text.
type SubtitleSegment struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID        uuid.UUID `gorm:"type:uuid;not null;index:idx_subtitle_job_index,priority:1" json:"job_id"`
	Index        int       `gorm:"column:segment_index;not null;index:idx_subtitle_job_index,priority:2" json:"index"`
	StartSeconds float64   `gorm:"column:start_seconds;not null" json:"start_seconds"`
	EndSeconds   float64   `gorm:"column:end_seconds;not null" json:"end_seconds"`
	Text         string    `gorm:"column:text;not null" json:"text"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

func (SubtitleSegment) TableName() string { return "subtitle_segment" }

// ReplacementEntry is a per-tenant token substitution applied to transcripts.
// (tenant_id, original_token) is unique; matching is case-sensitive and
// whole-token.
type ReplacementEntry struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID         uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uniq_replacement_tenant_token,priority:1" json:"tenant_id"`
	OriginalToken    string    `gorm:"column:original_token;not null;uniqueIndex:uniq_replacement_tenant_token,priority:2" json:"original_token"`
	ReplacementToken string    `gorm:"column:replacement_token;not null" json:"replacement_token"`
	UseCount         int       `gorm:"column:use_count;not null;default:0" json:"use_count"`
	CreatedAt        time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time `gorm:"not null" json:"updated_at"`
}

func (ReplacementEntry) TableName() string { return "replacement_dictionary" }
