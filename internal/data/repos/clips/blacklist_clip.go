package clips

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

type BlacklistClipRepo interface {
	Add(dbc dbctx.Context, externalClipID, reason string) error
	AllIDs(dbc dbctx.Context) (map[string]struct{}, error)
}

type blacklistClipRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBlacklistClipRepo(db *gorm.DB, baseLog *logger.Logger) BlacklistClipRepo {
	return &blacklistClipRepo{db: db, log: baseLog.With("repo", "BlacklistClipRepo")}
}

func (r *blacklistClipRepo) Add(dbc dbctx.Context, externalClipID, reason string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if externalClipID == "" {
		return nil
	}
	row := &types.BlacklistClip{
		ID:             uuid.New(),
		ExternalClipID: externalClipID,
		Reason:         reason,
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_clip_id"}},
			DoNothing: true,
		}).
		Create(row).Error
}

// AllIDs loads the whole blacklist as a set. The table is small and curated
// by hand, so one read per acquisition pass is fine.
func (r *blacklistClipRepo) AllIDs(dbc dbctx.Context) (map[string]struct{}, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var ids []string
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.BlacklistClip{}).
		Pluck("external_clip_id", &ids).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}
