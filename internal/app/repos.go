package app

import (
	"gorm.io/gorm"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/data/repos"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

type Repos struct {
	RenderJob       repos.RenderJobRepo
	SubtitleSegment repos.SubtitleSegmentRepo
	Replacement     repos.ReplacementRepo
	UsedClip        repos.UsedClipRepo
	BlacklistClip   repos.BlacklistClipRepo
	ThumbnailLayout repos.ThumbnailLayoutRepo
	Quota           repos.QuotaRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		RenderJob:       repos.NewRenderJobRepo(db, log),
		SubtitleSegment: repos.NewSubtitleSegmentRepo(db, log),
		Replacement:     repos.NewReplacementRepo(db, log),
		UsedClip:        repos.NewUsedClipRepo(db, log),
		BlacklistClip:   repos.NewBlacklistClipRepo(db, log),
		ThumbnailLayout: repos.NewThumbnailLayoutRepo(db, log),
		Quota:           repos.NewQuotaRepo(db, log),
	}
}
