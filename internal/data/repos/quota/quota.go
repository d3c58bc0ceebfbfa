package quota

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/utils"
)

const quotaPeriod = 7 * 24 * time.Hour

// QuotaRepo manages the per-tenant weekly render budget through a hold
// lifecycle: place at submission, commit at finalize, release on terminal
// failure. All three mutate the account row under SELECT ... FOR UPDATE so
// concurrent submissions see a consistent used+holds total.
type QuotaRepo interface {
	PlaceHold(dbc dbctx.Context, tenantID, jobID uuid.UUID) error
	CommitHold(dbc dbctx.Context, tenantID, jobID uuid.UUID) error
	ReleaseHold(dbc dbctx.Context, tenantID, jobID uuid.UUID) error
	GetAccount(dbc dbctx.Context, tenantID uuid.UUID) (*types.QuotaAccount, error)
}

type quotaRepo struct {
	db           *gorm.DB
	log          *logger.Logger
	defaultLimit int
}

func NewQuotaRepo(db *gorm.DB, baseLog *logger.Logger) QuotaRepo {
	log := baseLog.With("repo", "QuotaRepo")
	return &quotaRepo{
		db:           db,
		log:          log,
		defaultLimit: utils.GetEnvAsInt("DEFAULT_WEEKLY_RENDER_LIMIT", 2, log),
	}
}

// lockAccount loads the tenant's account under a row lock, creating it with
// the default limit on first touch, and rolls the period forward when the
// previous week has elapsed.
func (r *quotaRepo) lockAccount(txx *gorm.DB, tenantID uuid.UUID) (*types.QuotaAccount, error) {
	var acct types.QuotaAccount
	err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ?", tenantID).
		First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		acct = types.QuotaAccount{
			ID:          uuid.New(),
			TenantID:    tenantID,
			WeeklyLimit: r.defaultLimit,
			PeriodStart: time.Now(),
		}
		if cErr := txx.Create(&acct).Error; cErr != nil {
			return nil, cErr
		}
		return &acct, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Since(acct.PeriodStart) >= quotaPeriod {
		now := time.Now()
		if uErr := txx.Model(&types.QuotaAccount{}).
			Where("id = ?", acct.ID).
			Updates(map[string]interface{}{
				"used":         0,
				"period_start": now,
				"updated_at":   now,
			}).Error; uErr != nil {
			return nil, uErr
		}
		acct.Used = 0
		acct.PeriodStart = now
	}
	return &acct, nil
}

// PlaceHold reserves one render against the weekly budget. Idempotent per
// (tenant, job): replaying a submission does not double-count. Returns a
// quota fault when used plus outstanding holds already meets the limit.
func (r *quotaRepo) PlaceHold(dbc dbctx.Context, tenantID, jobID uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if tenantID == uuid.Nil || jobID == uuid.Nil {
		return faults.New(faults.KindBadInput, "quota hold requires tenant and job ids")
	}
	return transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		acct, err := r.lockAccount(txx, tenantID)
		if err != nil {
			return err
		}

		var existing types.QuotaHold
		hErr := txx.Where("job_id = ?", jobID).Limit(1).Find(&existing).Error
		if hErr != nil {
			return hErr
		}
		if existing.ID != uuid.Nil && !existing.Released {
			return nil
		}

		if acct.Used+acct.Holds >= acct.WeeklyLimit {
			return faults.New(faults.KindQuotaExceeded,
				"weekly render limit reached: used=%d holds=%d limit=%d", acct.Used, acct.Holds, acct.WeeklyLimit)
		}

		hold := &types.QuotaHold{
			ID:       uuid.New(),
			TenantID: tenantID,
			JobID:    jobID,
		}
		if err := txx.Create(hold).Error; err != nil {
			return err
		}
		return txx.Model(&types.QuotaAccount{}).
			Where("id = ?", acct.ID).
			Updates(map[string]interface{}{
				"holds":      gorm.Expr("holds + 1"),
				"updated_at": time.Now(),
			}).Error
	})
}

// CommitHold converts the job's hold into committed usage. Idempotent: a
// hold commits at most once, and a missing hold is treated as already
// resolved rather than an error.
func (r *quotaRepo) CommitHold(dbc dbctx.Context, tenantID, jobID uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if tenantID == uuid.Nil || jobID == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		acct, err := r.lockAccount(txx, tenantID)
		if err != nil {
			return err
		}

		var hold types.QuotaHold
		if err := txx.Where("job_id = ?", jobID).Limit(1).Find(&hold).Error; err != nil {
			return err
		}
		if hold.ID == uuid.Nil || hold.Committed || hold.Released {
			return nil
		}

		now := time.Now()
		if err := txx.Model(&types.QuotaHold{}).
			Where("id = ?", hold.ID).
			Updates(map[string]interface{}{
				"committed":   true,
				"resolved_at": now,
			}).Error; err != nil {
			return err
		}
		return txx.Model(&types.QuotaAccount{}).
			Where("id = ?", acct.ID).
			Updates(map[string]interface{}{
				"holds":      gorm.Expr("GREATEST(holds - 1, 0)"),
				"used":       gorm.Expr("used + 1"),
				"updated_at": now,
			}).Error
	})
}

// ReleaseHold returns the job's reservation to the budget after a terminal
// failure or cancellation. No-op for committed or already released holds.
func (r *quotaRepo) ReleaseHold(dbc dbctx.Context, tenantID, jobID uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if tenantID == uuid.Nil || jobID == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		acct, err := r.lockAccount(txx, tenantID)
		if err != nil {
			return err
		}

		var hold types.QuotaHold
		if err := txx.Where("job_id = ?", jobID).Limit(1).Find(&hold).Error; err != nil {
			return err
		}
		if hold.ID == uuid.Nil || hold.Committed || hold.Released {
			return nil
		}

		now := time.Now()
		if err := txx.Model(&types.QuotaHold{}).
			Where("id = ?", hold.ID).
			Updates(map[string]interface{}{
				"released":    true,
				"resolved_at": now,
			}).Error; err != nil {
			return err
		}
		return txx.Model(&types.QuotaAccount{}).
			Where("id = ?", acct.ID).
			Updates(map[string]interface{}{
				"holds":      gorm.Expr("GREATEST(holds - 1, 0)"),
				"updated_at": now,
			}).Error
	})
}

func (r *quotaRepo) GetAccount(dbc dbctx.Context, tenantID uuid.UUID) (*types.QuotaAccount, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if tenantID == uuid.Nil {
		return nil, nil
	}
	var acct types.QuotaAccount
	err := transaction.WithContext(dbc.Ctx).
		Where("tenant_id = ?", tenantID).
		Limit(1).
		Find(&acct).Error
	if err != nil {
		return nil, err
	}
	if acct.ID == uuid.Nil {
		return nil, nil
	}
	return &acct, nil
}
