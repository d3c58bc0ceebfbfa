package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TextBox positions one line of rendered text on a 1920x1080 canvas.
type TextBox struct {
	Field      string  `json:"field"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	FontFamily string  `json:"font_family,omitempty"`
	FontSize   float64 `json:"font_size"`
	Color      string  `json:"color"`
	Align      string  `json:"align,omitempty"`
}

// ThumbnailLayout is a tenant-owned template for intro stills and thumbnail
// images: a background plus positioned text boxes filled in per job.
type ThumbnailLayout struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name              string         `gorm:"column:name;not null" json:"name"`
	BackgroundBlobURL string         `gorm:"column:background_blob_url" json:"background_blob_url,omitempty"`
	BackgroundColor   string         `gorm:"column:background_color" json:"background_color,omitempty"`
	TextBoxes         datatypes.JSON `gorm:"column:text_boxes" json:"text_boxes,omitempty"`
	IntroEnabled      bool           `gorm:"column:intro_enabled;not null;default:true" json:"intro_enabled"`
	OutroEnabled      bool           `gorm:"column:outro_enabled;not null;default:true" json:"outro_enabled"`
	IntroSeconds      float64        `gorm:"column:intro_seconds;not null;default:3" json:"intro_seconds"`
	OutroSeconds      float64        `gorm:"column:outro_seconds;not null;default:3" json:"outro_seconds"`
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null" json:"updated_at"`
}

func (ThumbnailLayout) TableName() string { return "thumbnail_layout" }
