package domain

import (
	"time"

	"github.com/google/uuid"
)

// QuotaAccount tracks per-tenant weekly render consumption. Used counts
// committed renders, Holds counts renders in flight; admission checks
// used+holds against the weekly limit so concurrent submissions cannot
// overshoot. The row is mutated only under SELECT ... FOR UPDATE.
type QuotaAccount struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"tenant_id"`
	WeeklyLimit int       `gorm:"column:weekly_limit;not null;default:2" json:"weekly_limit"`
	Used        int       `gorm:"column:used;not null;default:0" json:"used"`
	Holds       int       `gorm:"column:holds;not null;default:0" json:"holds"`
	PeriodStart time.Time `gorm:"column:period_start;not null" json:"period_start"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null" json:"updated_at"`
}

func (QuotaAccount) TableName() string { return "quota_account" }

// QuotaHold is one in-flight reservation against a tenant's weekly quota,
// keyed by job so placement is idempotent across worker retries.
type QuotaHold struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"tenant_id"`
	JobID      uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex" json:"job_id"`
	Committed  bool       `gorm:"column:committed;not null;default:false" json:"committed"`
	Released   bool       `gorm:"column:released;not null;default:false" json:"released"`
	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
	ResolvedAt *time.Time `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
}

func (QuotaHold) TableName() string { return "quota_hold" }
