package repos

import (
	"gorm.io/gorm"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/data/repos/clips"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/data/repos/jobs"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/data/repos/layouts"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/data/repos/quota"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/data/repos/subtitles"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

type RenderJobRepo = jobs.RenderJobRepo
type SubtitleSegmentRepo = subtitles.SubtitleSegmentRepo
type ReplacementRepo = subtitles.ReplacementRepo
type UsedClipRepo = clips.UsedClipRepo
type BlacklistClipRepo = clips.BlacklistClipRepo
type ThumbnailLayoutRepo = layouts.ThumbnailLayoutRepo
type QuotaRepo = quota.QuotaRepo

func NewRenderJobRepo(db *gorm.DB, baseLog *logger.Logger) RenderJobRepo {
	return jobs.NewRenderJobRepo(db, baseLog)
}

func NewSubtitleSegmentRepo(db *gorm.DB, baseLog *logger.Logger) SubtitleSegmentRepo {
	return subtitles.NewSubtitleSegmentRepo(db, baseLog)
}

func NewReplacementRepo(db *gorm.DB, baseLog *logger.Logger) ReplacementRepo {
	return subtitles.NewReplacementRepo(db, baseLog)
}

func NewUsedClipRepo(db *gorm.DB, baseLog *logger.Logger) UsedClipRepo {
	return clips.NewUsedClipRepo(db, baseLog)
}

func NewBlacklistClipRepo(db *gorm.DB, baseLog *logger.Logger) BlacklistClipRepo {
	return clips.NewBlacklistClipRepo(db, baseLog)
}

func NewThumbnailLayoutRepo(db *gorm.DB, baseLog *logger.Logger) ThumbnailLayoutRepo {
	return layouts.NewThumbnailLayoutRepo(db, baseLog)
}

func NewQuotaRepo(db *gorm.DB, baseLog *logger.Logger) QuotaRepo {
	return quota.NewQuotaRepo(db, baseLog)
}
