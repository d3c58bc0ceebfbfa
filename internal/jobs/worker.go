package jobs

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/data/repos"
	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/jobs/runtime"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/services"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/utils"
)

// Worker claims runnable render jobs and drives their pipelines. Claiming
// uses SKIP LOCKED, so any number of worker processes can share one queue;
// within a process, concurrency bounds how many renders run at once
// (renders are ffmpeg-bound, so this is effectively a CPU budget).
type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	repo     repos.RenderJobRepo
	quota    repos.QuotaRepo
	registry *runtime.Registry
	notify   services.JobNotifier

	concurrency    int
	claimEvery     time.Duration
	heartbeatEvery time.Duration
	jobDeadline    time.Duration
	staleRunning   time.Duration
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo repos.RenderJobRepo, quota repos.QuotaRepo, registry *runtime.Registry, notify services.JobNotifier) *Worker {
	log := baseLog.With("component", "JobWorker")
	return &Worker{
		db:       db,
		log:      log,
		repo:     repo,
		quota:    quota,
		registry: registry,
		notify:   notify,

		concurrency:    utils.GetEnvAsInt("WORKER_CONCURRENCY", 2, log),
		claimEvery:     time.Second,
		heartbeatEvery: 15 * time.Second,
		jobDeadline:    45 * time.Minute,
		staleRunning:   10 * time.Minute,
	}
}

func (w *Worker) Start(ctx context.Context) {
	sem := make(chan struct{}, w.concurrency)
	go func() {
		ticker := time.NewTicker(w.claimEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			select {
			case sem <- struct{}{}:
			default:
				continue // all render slots busy
			}

			job, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.staleRunning)
			if err != nil {
				w.log.Warn("ClaimNextRunnable failed", "error", err)
				<-sem
				continue
			}
			if job == nil {
				<-sem
				continue
			}

			go func(job *types.RenderJob) {
				defer func() { <-sem }()
				w.runOne(ctx, job)
			}(job)
		}
	}()
}

func (w *Worker) runOne(ctx context.Context, job *types.RenderJob) {
	jctx, cancel := context.WithDeadline(ctx, w.deadlineFor(job))
	defer cancel()

	hbCtx, stopHeartbeat := context.WithCancel(jctx)
	go w.heartbeatLoop(hbCtx, job)

	jc := runtime.NewContext(jctx, w.db, job, w.repo, w.notify)

	h, ok := w.registry.Get(job.JobType)
	if !ok {
		stopHeartbeat()
		w.log.Warn("No handler registered for job_type", "job_type", job.JobType, "job_id", job.ID)
		jc.Fail("dispatch", faults.New(faults.KindBadInput, "no handler registered for job_type=%s", job.JobType))
		w.releaseOnFailure(ctx, job)
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Job handler panic", "job_id", job.ID, "job_type", job.JobType, "panic", r)
				jc.Fail("panic", faults.New(faults.KindInternalMediaError, "handler panic: %v", r))
			}
		}()
		if err := h.Run(jc); err != nil {
			w.log.Error("Job handler returned error", "job_id", job.ID, "error", err)
		}
	}()
	stopHeartbeat()

	w.failIfDeadlineHit(ctx, jctx, job)
	w.releaseOnFailure(ctx, job)
}

// deadlineFor anchors the hard wall clock to the job's first start, so a
// requeued job does not get a fresh 45 minutes on every claim.
func (w *Worker) deadlineFor(job *types.RenderJob) time.Time {
	start := time.Now()
	if job.StartedAt != nil {
		start = *job.StartedAt
	}
	return start.Add(w.jobDeadline)
}

// heartbeatLoop stamps heartbeat_at while the job runs so the stale-claim
// reaper leaves it alone. The repo only stamps rows still in running.
func (w *Worker) heartbeatLoop(ctx context.Context, job *types.RenderJob) {
	ticker := time.NewTicker(w.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.repo.Heartbeat(dbctx.Context{Ctx: ctx}, job.ID); err != nil {
				w.log.Warn("Heartbeat failed", "job_id", job.ID, "error", err)
			}
		}
	}
}

// failIfDeadlineHit closes out a job whose 45 minute wall clock expired.
// The pipeline's own writes raced a dead context, so this uses the worker
// context to settle the row.
func (w *Worker) failIfDeadlineHit(ctx context.Context, jctx context.Context, job *types.RenderJob) {
	if jctx.Err() != context.DeadlineExceeded {
		return
	}
	row, err := w.repo.GetByID(dbctx.Context{Ctx: ctx}, job.ID)
	if err != nil || row == nil || types.IsTerminalStatus(row.Status) {
		return
	}
	jc := runtime.NewContext(ctx, w.db, row, w.repo, w.notify)
	jc.Fail(row.Stage, faults.New(faults.KindUpstreamTimeout, "job exceeded %s deadline", w.jobDeadline).WithRetryable(false))
	*job = *row
}

// releaseOnFailure refunds the quota hold when a run ended in a
// non-succeeded terminal state. ReleaseHold is a no-op for committed or
// already released holds, so calling it on every failure is safe.
func (w *Worker) releaseOnFailure(ctx context.Context, job *types.RenderJob) {
	if job.Status != types.JobStatusFailed && job.Status != types.JobStatusCancelled {
		return
	}
	if err := w.quota.ReleaseHold(dbctx.Context{Ctx: ctx}, job.TenantID, job.ID); err != nil {
		w.log.Warn("Failed to release quota hold", "job_id", job.ID, "error", err)
	}
}
