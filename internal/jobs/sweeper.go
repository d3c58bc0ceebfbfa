package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/data/repos"
	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/media"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/services"
)

const (
	sweepSchedule  = "@every 10m"
	sweepAfter     = time.Hour
	sweepBatchSize = 50
)

// Sweeper reclaims disk and bucket space left behind by failed and
// cancelled renders. Jobs get an hour of grace after completion so a user
// can still inspect partial artifacts before they disappear.
type Sweeper struct {
	log    *logger.Logger
	repo   repos.RenderJobRepo
	bucket services.BucketService
	tools  *media.Tools
	cron   *cron.Cron
}

func NewSweeper(baseLog *logger.Logger, repo repos.RenderJobRepo, bucket services.BucketService, tools *media.Tools) *Sweeper {
	return &Sweeper{
		log:    baseLog.With("component", "Sweeper"),
		repo:   repo,
		bucket: bucket,
		tools:  tools,
		cron:   cron.New(),
	}
}

func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(sweepSchedule, s.sweepOnce); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("Sweeper started", "schedule", sweepSchedule)
	return nil
}

func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rows, err := s.repo.ListSweepable(dbctx.Context{Ctx: ctx}, sweepAfter, sweepBatchSize)
	if err != nil {
		s.log.Warn("ListSweepable failed", "error", err)
		return
	}
	for _, job := range rows {
		if err := s.sweepJob(ctx, job); err != nil {
			s.log.Warn("Failed to sweep job", "job_id", job.ID, "error", err)
			continue
		}
		if err := s.repo.MarkSwept(dbctx.Context{Ctx: ctx}, job.ID); err != nil {
			s.log.Warn("MarkSwept failed", "job_id", job.ID, "error", err)
		}
	}
	if len(rows) > 0 {
		s.log.Info("Sweep pass complete", "jobs", len(rows))
	}
}

// sweepJob removes the job's scratch directory and any partial output
// blobs. Input blobs (narration audio, BGM, layout art) belong to the
// tenant and are left alone.
func (s *Sweeper) sweepJob(ctx context.Context, job *types.RenderJob) error {
	if err := s.tools.RemoveJobScratch(job.ID); err != nil {
		return err
	}
	for _, key := range []string{job.VideoBlobURL, job.SubtitleBlobURL, job.ThumbnailBlobURL} {
		if key == "" {
			continue
		}
		if err := s.bucket.DeleteFile(ctx, key); err != nil {
			s.log.Warn("Failed to delete blob", "job_id", job.ID, "key", key, "error", err)
		}
	}
	return nil
}
