package services

import (
	"context"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/clients/redis"
	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

// JobNotifier publishes lifecycle events for a render job. Notification is
// best effort: a publish failure is logged, never surfaced to the pipeline.
type JobNotifier interface {
	JobQueued(ctx context.Context, job *types.RenderJob)
	JobProgress(ctx context.Context, job *types.RenderJob, stage string, progress int, message string)
	JobSucceeded(ctx context.Context, job *types.RenderJob)
	JobFailed(ctx context.Context, job *types.RenderJob, stage string, errorKind string, errorMessage string)
	JobCancelled(ctx context.Context, job *types.RenderJob)
}

type jobNotifier struct {
	log *logger.Logger
	bus redis.EventBus
}

func NewJobNotifier(log *logger.Logger, bus redis.EventBus) JobNotifier {
	return &jobNotifier{log: log.With("service", "JobNotifier"), bus: bus}
}

func (n *jobNotifier) publish(ctx context.Context, job *types.RenderJob, event string, data map[string]any) {
	if n == nil || n.bus == nil || job == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["job_id"] = job.ID
	data["job_type"] = job.JobType
	data["status"] = job.Status
	if err := n.bus.Publish(ctx, redis.JobEvent{
		Channel: job.TenantID.String(),
		Event:   event,
		Data:    data,
	}); err != nil {
		n.log.Warn("Failed to publish job event", "event", event, "job_id", job.ID, "error", err)
	}
}

func (n *jobNotifier) JobQueued(ctx context.Context, job *types.RenderJob) {
	n.publish(ctx, job, redis.EventJobQueued, nil)
}

func (n *jobNotifier) JobProgress(ctx context.Context, job *types.RenderJob, stage string, progress int, message string) {
	n.publish(ctx, job, redis.EventJobProgress, map[string]any{
		"stage":    stage,
		"progress": progress,
		"message":  message,
	})
}

func (n *jobNotifier) JobSucceeded(ctx context.Context, job *types.RenderJob) {
	n.publish(ctx, job, redis.EventJobSucceeded, map[string]any{
		"video_url":     job.VideoBlobURL,
		"subtitle_url":  job.SubtitleBlobURL,
		"thumbnail_url": job.ThumbnailBlobURL,
	})
}

func (n *jobNotifier) JobFailed(ctx context.Context, job *types.RenderJob, stage string, errorKind string, errorMessage string) {
	n.publish(ctx, job, redis.EventJobFailed, map[string]any{
		"stage":      stage,
		"error_kind": errorKind,
		"error":      errorMessage,
	})
}

func (n *jobNotifier) JobCancelled(ctx context.Context, job *types.RenderJob) {
	n.publish(ctx, job, redis.EventJobCancelled, nil)
}
