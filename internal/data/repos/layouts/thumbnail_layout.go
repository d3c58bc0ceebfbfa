package layouts

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

type ThumbnailLayoutRepo interface {
	Create(dbc dbctx.Context, rows []*types.ThumbnailLayout) ([]*types.ThumbnailLayout, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ThumbnailLayout, error)
	ListByTenant(dbc dbctx.Context, tenantID uuid.UUID) ([]*types.ThumbnailLayout, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type thumbnailLayoutRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewThumbnailLayoutRepo(db *gorm.DB, baseLog *logger.Logger) ThumbnailLayoutRepo {
	return &thumbnailLayoutRepo{db: db, log: baseLog.With("repo", "ThumbnailLayoutRepo")}
}

func (r *thumbnailLayoutRepo) Create(dbc dbctx.Context, rows []*types.ThumbnailLayout) ([]*types.ThumbnailLayout, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return []*types.ThumbnailLayout{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *thumbnailLayoutRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ThumbnailLayout, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var row types.ThumbnailLayout
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *thumbnailLayoutRepo) ListByTenant(dbc dbctx.Context, tenantID uuid.UUID) ([]*types.ThumbnailLayout, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ThumbnailLayout
	if tenantID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *thumbnailLayoutRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.ThumbnailLayout{}).
		Where("id = ?", id).
		Updates(updates).Error
}
