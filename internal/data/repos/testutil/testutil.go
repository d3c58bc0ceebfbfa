package testutil

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

var errMissingDSN = errors.New("missing TEST_POSTGRES_DSN")

var (
	dbOnce sync.Once
	db     *gorm.DB
	dbErr  error

	logOnce sync.Once
	logg    *logger.Logger
	logErr  error
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg, logErr = logger.New("test")
	})
	if logErr != nil {
		tb.Fatalf("failed to init logger: %v", logErr)
	}
	return logg
}

func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dbOnce.Do(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			dbErr = errMissingDSN
			return
		}

		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
		})
		if err != nil {
			dbErr = err
			return
		}

		if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
			dbErr = err
			return
		}

		if err := autoMigrateAll(db); err != nil {
			dbErr = err
			return
		}
	})

	if errors.Is(dbErr, errMissingDSN) {
		tb.Skip("set TEST_POSTGRES_DSN to run repo integration tests")
	}
	if dbErr != nil {
		tb.Fatalf("failed to init test db: %v", dbErr)
	}
	return db
}

func Tx(tb testing.TB, db *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := db.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() {
		_ = tx.Rollback().Error
	})
	return tx
}

// SeedJob inserts a minimal queued render job for the given tenant.
func SeedJob(tb testing.TB, ctx context.Context, tx *gorm.DB, tenantID uuid.UUID) *types.RenderJob {
	tb.Helper()
	job := &types.RenderJob{
		ID:           uuid.New(),
		TenantID:     tenantID,
		UserID:       uuid.New(),
		JobType:      types.JobTypeVideoRender,
		AudioBlobURL: "gs://test-bucket/audio/" + uuid.NewString() + ".mp3",
		Title:        "seed job",
		Status:       types.JobStatusQueued,
		Stage:        "validate_input",
	}
	if err := tx.WithContext(ctx).Create(job).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return job
}

// SeedQuotaAccount inserts a quota account with the given limit and no usage.
func SeedQuotaAccount(tb testing.TB, ctx context.Context, tx *gorm.DB, tenantID uuid.UUID, weeklyLimit int) *types.QuotaAccount {
	tb.Helper()
	acct := &types.QuotaAccount{
		ID:          uuid.New(),
		TenantID:    tenantID,
		WeeklyLimit: weeklyLimit,
		PeriodStart: time.Now(),
	}
	if err := tx.WithContext(ctx).Create(acct).Error; err != nil {
		tb.Fatalf("seed quota account: %v", err)
	}
	return acct
}

func autoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.RenderJob{},
		&types.SubtitleSegment{},
		&types.ReplacementEntry{},
		&types.UsedClip{},
		&types.BlacklistClip{},
		&types.ThumbnailLayout{},
		&types.QuotaAccount{},
		&types.QuotaHold{},
	)
}
