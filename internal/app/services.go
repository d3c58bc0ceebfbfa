package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/clients/redis"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/config"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/jobs"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/jobs/pipeline/videorender"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/jobs/runtime"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/media"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/services"
)

type Services struct {
	Bucket    services.BucketService
	Speech    services.SpeechProviderService
	Subtitler services.SubtitleProcessorService
	Planner   services.QueryPlannerService
	Moderator services.ClipModeratorService
	Clips     services.ClipSourceService
	Notifier  services.JobNotifier

	// Jobs is the submission-side API consumed by the embedding
	// application: Submit, Get, List, Cancel, Regenerate, Quota.
	Jobs services.JobService

	Worker  *jobs.Worker
	Sweeper *jobs.Sweeper

	eventBus redis.EventBus
}

func wireServices(ctx context.Context, db *gorm.DB, log *logger.Logger, cfg config.PipelineConfig, reposet Repos) (Services, error) {
	log.Info("Wiring services...")
	var s Services

	tools := media.NewTools(log, cfg.ScratchRoot)
	if err := tools.AssertReady(ctx); err != nil {
		return s, fmt.Errorf("Media toolchain not usable: %w", err)
	}
	normalizer := media.NewNormalizer(tools)
	composer := media.NewComposer(log, tools)
	overlay := media.NewOverlay(log, tools)
	stills := media.NewRenderer(log)

	bucket, err := services.NewBucketService(log)
	if err != nil {
		return s, fmt.Errorf("Could not init BucketService: %w", err)
	}
	speech, err := services.NewSpeechProviderService(log)
	if err != nil {
		return s, fmt.Errorf("Could not init SpeechProviderService: %w", err)
	}
	openaiClient, err := services.NewOpenAIClient(log)
	if err != nil {
		return s, fmt.Errorf("Could not init OpenAIClient: %w", err)
	}
	subtitler, err := services.NewSubtitleProcessorService(log)
	if err != nil {
		return s, fmt.Errorf("Could not init SubtitleProcessorService: %w", err)
	}
	planner, err := services.NewQueryPlannerService(log, openaiClient, cfg.FallbackQueries)
	if err != nil {
		return s, fmt.Errorf("Could not init QueryPlannerService: %w", err)
	}
	moderator, err := services.NewClipModeratorService(log, openaiClient, cfg.ModerationPolicy, cfg.ModerationCacheTTL)
	if err != nil {
		return s, fmt.Errorf("Could not init ClipModeratorService: %w", err)
	}
	pexels, err := services.NewPexelsClipProvider(log)
	if err != nil {
		return s, fmt.Errorf("Could not init Pexels clip provider: %w", err)
	}
	localPool, err := services.NewLocalClipPool(log, cfg.LocalPoolDir)
	if err != nil {
		return s, fmt.Errorf("Could not init local clip pool: %w", err)
	}
	clips, err := services.NewClipSourceService(log, pexels, localPool, moderator, normalizer.Normalize, cfg.ClipCacheDir)
	if err != nil {
		return s, fmt.Errorf("Could not init ClipSourceService: %w", err)
	}

	eventBus, err := redis.NewEventBus(log)
	if err != nil {
		log.Warn("Redis event bus unavailable, job events disabled", "error", err)
	}
	notifier := services.NewJobNotifier(log, eventBus)

	jobService := services.NewJobService(db, log, reposet.RenderJob, reposet.SubtitleSegment, reposet.Quota, notifier)

	registry := runtime.NewRegistry()
	pipeline := videorender.New(videorender.Deps{
		Log: log,
		DB:  db,

		Jobs:         reposet.RenderJob,
		Subtitles:    reposet.SubtitleSegment,
		Replacements: reposet.Replacement,
		UsedClips:    reposet.UsedClip,
		Blacklist:    reposet.BlacklistClip,
		Layouts:      reposet.ThumbnailLayout,
		Quota:        reposet.Quota,

		Bucket:    bucket,
		Speech:    speech,
		Subtitler: subtitler,
		Planner:   planner,
		Clips:     clips,

		Tools:    tools,
		Composer: composer,
		Overlay:  overlay,
		Stills:   stills,

		Config: cfg,
	})
	if err := registry.Register(pipeline); err != nil {
		return s, fmt.Errorf("Could not register render pipeline: %w", err)
	}

	s = Services{
		Bucket:    bucket,
		Speech:    speech,
		Subtitler: subtitler,
		Planner:   planner,
		Moderator: moderator,
		Clips:     clips,
		Notifier:  notifier,
		Jobs:      jobService,
		Worker:    jobs.NewWorker(db, log, reposet.RenderJob, reposet.Quota, registry, notifier),
		Sweeper:   jobs.NewSweeper(log, reposet.RenderJob, bucket, tools),
		eventBus:  eventBus,
	}
	return s, nil
}

func (s *Services) close() {
	if s.Moderator != nil {
		s.Moderator.Close()
	}
	if s.Speech != nil {
		s.Speech.Close()
	}
	if s.eventBus != nil {
		s.eventBus.Close()
	}
}
