package clips

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

type UsedClipRepo interface {
	CreateIgnoreDuplicates(dbc dbctx.Context, rows []*types.UsedClip) (int, error)
	ExternalIDsByJobIDs(dbc dbctx.Context, jobIDs []uuid.UUID) (map[string]struct{}, error)
	GetByJobID(dbc dbctx.Context, jobID uuid.UUID) ([]*types.UsedClip, error)
}

type usedClipRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUsedClipRepo(db *gorm.DB, baseLog *logger.Logger) UsedClipRepo {
	return &usedClipRepo{db: db, log: baseLog.With("repo", "UsedClipRepo")}
}

// CreateIgnoreDuplicates inserts usage rows, skipping (job, clip) pairs that
// already exist so a replayed finalize stays idempotent.
func (r *usedClipRepo) CreateIgnoreDuplicates(dbc dbctx.Context, rows []*types.UsedClip) (int, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return 0, nil
	}
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
	}
	res := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "external_clip_id"}},
			DoNothing: true,
		}).
		Create(&rows)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// ExternalIDsByJobIDs returns the distinct external clip ids used by the
// given jobs, as a set.
func (r *usedClipRepo) ExternalIDsByJobIDs(dbc dbctx.Context, jobIDs []uuid.UUID) (map[string]struct{}, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	out := map[string]struct{}{}
	if len(jobIDs) == 0 {
		return out, nil
	}
	var ids []string
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.UsedClip{}).
		Where("job_id IN ?", jobIDs).
		Distinct().
		Pluck("external_clip_id", &ids).Error
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (r *usedClipRepo) GetByJobID(dbc dbctx.Context, jobID uuid.UUID) ([]*types.UsedClip, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.UsedClip
	if jobID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("external_clip_id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
