package domain

import (
	"time"

	"github.com/google/uuid"
)

// UsedClip records that an external clip appears in the output of a
// successfully completed job. Rows are inserted at finalize, in the same
// transaction that commits the quota hold, and retained forever. They feed
// the per-tenant recency window that keeps adjacent weekly outputs from
// repeating footage.
type UsedClip struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID       uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	JobID          uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uniq_used_clip_job,priority:1" json:"job_id"`
	ExternalClipID string    `gorm:"column:external_clip_id;not null;uniqueIndex:uniq_used_clip_job,priority:2;index" json:"external_clip_id"`
	CreatedAt      time.Time `gorm:"not null;index" json:"created_at"`
}

func (UsedClip) TableName() string { return "used_clip" }

// BlacklistClip is a globally forbidden external clip, curated manually to
// backstop the vision moderator. Append-only.
type BlacklistClip struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ExternalClipID string    `gorm:"column:external_clip_id;not null;uniqueIndex" json:"external_clip_id"`
	Reason         string    `gorm:"column:reason" json:"reason,omitempty"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
}

func (BlacklistClip) TableName() string { return "blacklist_clip" }

// ClipSlot is a contiguous time window of the output filled by exactly one
// background clip. Planned by the query planner, consumed by the clip
// source and the composer. Not persisted: it lives in the orchestrator
// state between stages.
type ClipSlot struct {
	Index           int      `json:"index"`
	StartSeconds    float64  `json:"start_seconds"`
	DurationSeconds float64  `json:"duration_seconds"`
	Query           string   `json:"query"`
	SemanticTags    []string `json:"semantic_tags,omitempty"`
}
