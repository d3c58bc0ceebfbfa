package subtitles

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

type SubtitleSegmentRepo interface {
	Create(dbc dbctx.Context, rows []*types.SubtitleSegment) ([]*types.SubtitleSegment, error)
	GetByJobID(dbc dbctx.Context, jobID uuid.UUID) ([]*types.SubtitleSegment, error)
	ReplaceForJob(dbc dbctx.Context, jobID uuid.UUID, rows []*types.SubtitleSegment) error
	DeleteByJobID(dbc dbctx.Context, jobID uuid.UUID) error
}

type subtitleSegmentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSubtitleSegmentRepo(db *gorm.DB, baseLog *logger.Logger) SubtitleSegmentRepo {
	return &subtitleSegmentRepo{db: db, log: baseLog.With("repo", "SubtitleSegmentRepo")}
}

func (r *subtitleSegmentRepo) Create(dbc dbctx.Context, rows []*types.SubtitleSegment) ([]*types.SubtitleSegment, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return []*types.SubtitleSegment{}, nil
	}
	fillSegmentIDs(rows)
	if err := transaction.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// fillSegmentIDs assigns ids to rows built without one. IDs are generated
// in Go, never by the database.
func fillSegmentIDs(rows []*types.SubtitleSegment) {
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
	}
}

func (r *subtitleSegmentRepo) GetByJobID(dbc dbctx.Context, jobID uuid.UUID) ([]*types.SubtitleSegment, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.SubtitleSegment
	if jobID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("segment_index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceForJob swaps the job's segment set in one transaction so a stage
// retry never leaves a partial transcript behind.
func (r *subtitleSegmentRepo) ReplaceForJob(dbc dbctx.Context, jobID uuid.UUID, rows []*types.SubtitleSegment) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Where("job_id = ?", jobID).Delete(&types.SubtitleSegment{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		fillSegmentIDs(rows)
		return txx.Create(&rows).Error
	})
}

func (r *subtitleSegmentRepo) DeleteByJobID(dbc dbctx.Context, jobID uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Delete(&types.SubtitleSegment{}).Error
}
