package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

type RenderJobRepo interface {
	Create(dbc dbctx.Context, jobs []*types.RenderJob) ([]*types.RenderJob, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.RenderJob, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.RenderJob, error)
	ListByTenant(dbc dbctx.Context, tenantID uuid.UUID, limit int) ([]*types.RenderJob, error)
	ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*types.RenderJob, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	RequestCancel(dbc dbctx.Context, id uuid.UUID) (bool, error)
	RecentSucceededIDs(dbc dbctx.Context, tenantID uuid.UUID, window int) ([]uuid.UUID, error)
	ListSweepable(dbc dbctx.Context, olderThan time.Duration, limit int) ([]*types.RenderJob, error)
	MarkSwept(dbc dbctx.Context, id uuid.UUID) error
}

type renderJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRenderJobRepo(db *gorm.DB, baseLog *logger.Logger) RenderJobRepo {
	return &renderJobRepo{
		db:  db,
		log: baseLog.With("repo", "RenderJobRepo"),
	}
}

func (r *renderJobRepo) Create(dbc dbctx.Context, jobs []*types.RenderJob) ([]*types.RenderJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(jobs) == 0 {
		return []*types.RenderJob{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *renderJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.RenderJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.RenderJob
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *renderJobRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.RenderJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.RenderJob
	if len(ids) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *renderJobRepo) ListByTenant(dbc dbctx.Context, tenantID uuid.UUID, limit int) ([]*types.RenderJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if tenantID == uuid.Nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	var out []*types.RenderJob
	if err := transaction.WithContext(dbc.Ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimNextRunnable atomically picks the oldest job that is queued, or
// running with a stale heartbeat (its worker died). Failed is terminal and
// never claimed; retryable work re-enters the queue as queued before it
// fails for good. The claim increments attempts so a crash looping job
// eventually exhausts its budget, and stamps started_at on the first claim
// only, since the job deadline runs from the first start.
func (r *renderJobRepo) ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*types.RenderJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	var claimed *types.RenderJob
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var job types.RenderJob
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
        (
          status = ?
          OR (
            status = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, types.JobStatusQueued, types.JobStatusRunning, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.RenderJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":       types.JobStatusRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"started_at":   gorm.Expr("COALESCE(started_at, ?)", now),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		job.Status = types.JobStatusRunning
		job.Attempts++
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		job.LockedAt = &now
		job.HeartbeatAt = &now
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *renderJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.RenderJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// UpdateFieldsUnlessStatus guards terminal states: the update applies only
// when the row's status is outside the disallowed set. Returns whether any
// row was written.
func (r *renderJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := transaction.WithContext(dbc.Ctx).
		Model(&types.RenderJob{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *renderJobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(dbc.Ctx).
		Model(&types.RenderJob{}).
		Where("id = ? AND status = ?", id, types.JobStatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

// RequestCancel flags a non-terminal job for cancellation. A queued job is
// cancelled in place; a running job keeps the flag and the worker notices it
// at the next stage boundary or progress checkpoint.
func (r *renderJobRepo) RequestCancel(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()

	res := transaction.WithContext(dbc.Ctx).
		Model(&types.RenderJob{}).
		Where("id = ? AND status = ?", id, types.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":           types.JobStatusCancelled,
			"cancel_requested": true,
			"error_kind":       "cancelled",
			"completed_at":     now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	res = transaction.WithContext(dbc.Ctx).
		Model(&types.RenderJob{}).
		Where("id = ? AND status = ?", id, types.JobStatusRunning).
		Updates(map[string]interface{}{
			"cancel_requested": true,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RecentSucceededIDs returns the ids of the tenant's most recently completed
// successful renders, newest first, capped at window.
func (r *renderJobRepo) RecentSucceededIDs(dbc dbctx.Context, tenantID uuid.UUID, window int) ([]uuid.UUID, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if tenantID == uuid.Nil || window <= 0 {
		return nil, nil
	}
	var ids []uuid.UUID
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.RenderJob{}).
		Where("tenant_id = ? AND status = ?", tenantID, types.JobStatusSucceeded).
		Order("completed_at DESC").
		Limit(window).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListSweepable returns failed or cancelled jobs older than the cutoff whose
// working artifacts have not been garbage collected yet.
func (r *renderJobRepo) ListSweepable(dbc dbctx.Context, olderThan time.Duration, limit int) ([]*types.RenderJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().Add(-olderThan)
	var out []*types.RenderJob
	err := transaction.WithContext(dbc.Ctx).
		Where("status IN ? AND swept_at IS NULL AND completed_at IS NOT NULL AND completed_at < ?",
			[]string{types.JobStatusFailed, types.JobStatusCancelled}, cutoff).
		Order("completed_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *renderJobRepo) MarkSwept(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(dbc.Ctx).
		Model(&types.RenderJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"swept_at":   now,
			"updated_at": now,
		}).Error
}
