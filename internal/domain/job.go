package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Job statuses. Terminal statuses are write-once: no row leaves
// succeeded/failed/cancelled once it gets there.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

const JobTypeVideoRender = "qt_video_render"

// Generation modes for background clip selection.
const (
	GenerationModeNatural  = "natural"
	GenerationModeTemplate = "template"
)

// RenderJob is one end-to-end request to synthesize a video from an audio
// recording. Mutated only by the worker executing it; never deleted, only
// soft-archived.
type RenderJob struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	UserID   uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	JobType  string    `gorm:"column:job_type;not null;index" json:"job_type"`

	// Inputs
	AudioBlobURL   string         `gorm:"column:audio_blob_url;not null" json:"audio_blob_url"`
	Title          string         `gorm:"column:title;not null" json:"title"`
	LayoutID       *uuid.UUID     `gorm:"type:uuid;column:layout_id;index" json:"layout_id,omitempty"`
	GenerationMode string         `gorm:"column:generation_mode" json:"generation_mode,omitempty"`
	Language       string         `gorm:"column:language" json:"language,omitempty"`
	ClipOverride   datatypes.JSON `gorm:"column:clip_override" json:"clip_override,omitempty"`
	BGMBlobURL     string         `gorm:"column:bgm_blob_url" json:"bgm_blob_url,omitempty"`
	BGMGain        float64        `gorm:"column:bgm_gain;not null;default:0" json:"bgm_gain"`

	// State
	Status          string `gorm:"column:status;not null;index" json:"status"`
	Stage           string `gorm:"column:stage;not null;index" json:"stage"`
	Progress        int    `gorm:"column:progress;not null;default:0" json:"progress"`
	Attempts        int    `gorm:"column:attempts;not null;default:0" json:"attempts"`
	ErrorKind       string `gorm:"column:error_kind" json:"error_kind,omitempty"`
	ErrorDetail     string `gorm:"column:error_detail" json:"error_detail,omitempty"`
	CancelRequested bool   `gorm:"column:cancel_requested;not null;default:false" json:"cancel_requested"`

	// Outputs
	VideoBlobURL     string  `gorm:"column:video_blob_url" json:"video_blob_url,omitempty"`
	SubtitleBlobURL  string  `gorm:"column:subtitle_blob_url" json:"subtitle_blob_url,omitempty"`
	ThumbnailBlobURL string  `gorm:"column:thumbnail_blob_url" json:"thumbnail_blob_url,omitempty"`
	DurationSeconds  float64 `gorm:"column:duration_seconds" json:"duration_seconds,omitempty"`

	// Worker bookkeeping
	LockedAt    *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt *time.Time     `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	SweptAt     *time.Time     `gorm:"column:swept_at" json:"swept_at,omitempty"`
	Result      datatypes.JSON `gorm:"column:result" json:"result,omitempty"`

	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	StartedAt   *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (RenderJob) TableName() string { return "render_job" }

// IsTerminal reports whether the status admits no further transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
