package subtitles

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

type ReplacementRepo interface {
	Upsert(dbc dbctx.Context, row *types.ReplacementEntry) (*types.ReplacementEntry, error)
	ListByTenant(dbc dbctx.Context, tenantID uuid.UUID) ([]*types.ReplacementEntry, error)
	IncrementUseCounts(dbc dbctx.Context, tenantID uuid.UUID, counts map[string]int) error
	DeleteByTokens(dbc dbctx.Context, tenantID uuid.UUID, tokens []string) error
}

type replacementRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewReplacementRepo(db *gorm.DB, baseLog *logger.Logger) ReplacementRepo {
	return &replacementRepo{db: db, log: baseLog.With("repo", "ReplacementRepo")}
}

func (r *replacementRepo) Upsert(dbc dbctx.Context, row *types.ReplacementEntry) (*types.ReplacementEntry, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if row == nil || row.TenantID == uuid.Nil || row.OriginalToken == "" {
		return nil, nil
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	err := transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "original_token"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"replacement_token": row.ReplacementToken,
				"updated_at":        time.Now(),
			}),
		}).
		Create(row).Error
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *replacementRepo) ListByTenant(dbc dbctx.Context, tenantID uuid.UUID) ([]*types.ReplacementEntry, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ReplacementEntry
	if tenantID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("tenant_id = ?", tenantID).
		Order("original_token ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// IncrementUseCounts bumps use_count per original token by how many times the
// post-processor applied it in one transcript.
func (r *replacementRepo) IncrementUseCounts(dbc dbctx.Context, tenantID uuid.UUID, counts map[string]int) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if tenantID == uuid.Nil || len(counts) == 0 {
		return nil
	}
	now := time.Now()
	for token, n := range counts {
		if n <= 0 {
			continue
		}
		err := transaction.WithContext(dbc.Ctx).
			Model(&types.ReplacementEntry{}).
			Where("tenant_id = ? AND original_token = ?", tenantID, token).
			Updates(map[string]interface{}{
				"use_count":  gorm.Expr("use_count + ?", n),
				"updated_at": now,
			}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *replacementRepo) DeleteByTokens(dbc dbctx.Context, tenantID uuid.UUID, tokens []string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if tenantID == uuid.Nil || len(tokens) == 0 {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Where("tenant_id = ? AND original_token IN ?", tenantID, tokens).
		Delete(&types.ReplacementEntry{}).Error
}
