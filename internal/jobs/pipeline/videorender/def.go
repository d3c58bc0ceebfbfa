package videorender

import (
	"time"

	"gorm.io/gorm"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/config"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/data/repos"
	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/jobs/orchestrator"
	jobrt "github.com/Giwoong-ryu/qt-make-sub000/internal/jobs/runtime"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/media"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/services"
)

// Stage names, in execution order. They are stored on the job row and in
// the orchestrator state, so renaming one orphans in-flight jobs.
const (
	StageValidateInput    = "validate_input"
	StageTranscribe       = "transcribe"
	StagePostProcess      = "post_process_subtitles"
	StagePlanQueries      = "plan_queries"
	StageAcquireClips     = "acquire_clips"
	StageComposeBody      = "compose_body"
	StageApplyIntroOutro  = "apply_intro_outro"
	StagePersistArtifacts = "persist_artifacts"
	StageFinalize         = "finalize"
)

// Narration length bounds. Anything shorter than the minimum cannot carry
// even a single clip slot; the maximum caps render cost.
const (
	minAudioSeconds = 2
	maxAudioSeconds = 1800
)

// Deps bundles everything the render pipeline touches. Wired once in main.
type Deps struct {
	Log *logger.Logger
	DB  *gorm.DB

	Jobs         repos.RenderJobRepo
	Subtitles    repos.SubtitleSegmentRepo
	Replacements repos.ReplacementRepo
	UsedClips    repos.UsedClipRepo
	Blacklist    repos.BlacklistClipRepo
	Layouts      repos.ThumbnailLayoutRepo
	Quota        repos.QuotaRepo

	Bucket    services.BucketService
	Speech    services.SpeechProviderService
	Subtitler services.SubtitleProcessorService
	Planner   services.QueryPlannerService
	Clips     services.ClipSourceService

	Tools    *media.Tools
	Composer *media.Composer
	Overlay  *media.Overlay
	Stills   *media.Renderer

	Config config.PipelineConfig
}

// Pipeline turns one claimed render job into a finished video through nine
// resumable stages. Each stage persists its outputs into the orchestrator
// state, so a requeued job (retry backoff, worker restart, stale reclaim)
// picks up after the last completed stage.
type Pipeline struct {
	log    *logger.Logger
	deps   Deps
	engine *orchestrator.Engine
	now    func() time.Time
}

func New(deps Deps) *Pipeline {
	return &Pipeline{
		log:    deps.Log.With("pipeline", "videorender"),
		deps:   deps,
		engine: orchestrator.NewEngine(),
		now:    time.Now,
	}
}

func (p *Pipeline) Type() string { return types.JobTypeVideoRender }

func (p *Pipeline) Run(jc *jobrt.Context) error {
	return p.engine.Run(jc, p.stages(), nil)
}

func retry(attempts int) orchestrator.RetryPolicy {
	return orchestrator.RetryPolicy{
		MaxAttempts: attempts,
		MinBackoff:  2 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

func (p *Pipeline) stages() []orchestrator.Stage {
	return []orchestrator.Stage{
		{
			Name: StageValidateInput, StartPct: 0, EndPct: 5,
			StartMsg: "Validating input", Timeout: 2 * time.Minute,
			Retry: retry(3), Run: p.runValidateInput,
		},
		{
			Name: StageTranscribe, StartPct: 5, EndPct: 20,
			StartMsg: "Transcribing narration", Timeout: 10 * time.Minute,
			Retry: retry(2), IsDone: p.transcribeDone, Run: p.runTranscribe,
		},
		{
			Name: StagePostProcess, StartPct: 20, EndPct: 25,
			StartMsg: "Cleaning subtitles", Timeout: 2 * time.Minute,
			Retry: retry(3), Run: p.runPostProcess,
		},
		{
			Name: StagePlanQueries, StartPct: 25, EndPct: 30,
			StartMsg: "Planning background footage", Timeout: 2 * time.Minute,
			Retry: retry(3), Run: p.runPlanQueries,
		},
		{
			Name: StageAcquireClips, StartPct: 30, EndPct: 55,
			StartMsg: "Fetching background clips", Timeout: 15 * time.Minute,
			Retry: retry(4), Run: p.cancellable(p.runAcquireClips),
		},
		{
			Name: StageComposeBody, StartPct: 55, EndPct: 80,
			StartMsg: "Rendering body", Timeout: 20 * time.Minute,
			Retry: retry(3), Run: p.cancellable(p.runComposeBody),
		},
		{
			Name: StageApplyIntroOutro, StartPct: 80, EndPct: 90,
			StartMsg: "Adding intro and outro", Timeout: 20 * time.Minute,
			Retry: retry(3), Run: p.cancellable(p.runApplyIntroOutro),
		},
		{
			Name: StagePersistArtifacts, StartPct: 90, EndPct: 98,
			StartMsg: "Uploading artifacts", Timeout: 2 * time.Minute,
			Retry: retry(3), Run: p.runPersistArtifacts,
		},
		{
			Name: StageFinalize, StartPct: 98, EndPct: 100,
			StartMsg: "Finalizing", DoneMsg: "Render complete",
			Timeout: 2 * time.Minute,
			Retry:   retry(3), Run: p.runFinalize,
		},
	}
}
