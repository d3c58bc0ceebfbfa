package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/data/repos"
	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/services"
)

// Context is the execution contract between the job system and pipeline
// code: the claimed render_job row, the only sanctioned ways to report
// progress or terminate, and the notification side channel. Pipelines
// never write render_job columns directly.
//
// Every lifecycle write is guarded with UnlessStatus over the terminal
// statuses, so a cancellation or concurrent terminal transition is never
// overwritten.
type Context struct {
	Ctx    context.Context
	DB     *gorm.DB
	Job    *types.RenderJob
	Repo   repos.RenderJobRepo
	Notify services.JobNotifier
}

func NewContext(ctx context.Context, db *gorm.DB, job *types.RenderJob, repo repos.RenderJobRepo, notify services.JobNotifier) *Context {
	return &Context{Ctx: ctx, DB: db, Job: job, Repo: repo, Notify: notify}
}

var terminalStatuses = []string{
	types.JobStatusSucceeded,
	types.JobStatusFailed,
	types.JobStatusCancelled,
}

// Update applies arbitrary field updates to the job row, guarded against
// terminal statuses. Intended for orchestrator state snapshots and output
// columns; lifecycle transitions go through Progress/Fail/Succeed/Cancel.
func (c *Context) Update(updates map[string]any) error {
	if c.Job == nil || c.Job.ID == uuid.Nil {
		return nil
	}
	_, err := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: c.Ctx}, c.Job.ID, terminalStatuses, updates)
	return err
}

// Progress publishes a non-terminal status update: stage, percent and
// heartbeat into the row, then a notifier event.
func (c *Context) Progress(stage string, pct int, msg string) {
	if c == nil {
		return
	}
	now := time.Now()
	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: c.ctx()}, c.Job.ID, terminalStatuses, map[string]any{
			"stage":        stage,
			"progress":     pct,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}
	if c.Job != nil {
		c.Job.Stage = stage
		c.Job.Progress = pct
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
	}
	if c.Notify != nil && c.Job != nil {
		c.Notify.JobProgress(c.ctx(), c.Job, stage, pct, msg)
	}
}

// Fail marks the job terminally failed, recording the fault kind and
// detail, and releases the worker lock.
func (c *Context) Fail(stage string, err error) {
	if c == nil {
		return
	}
	now := time.Now()
	kind := string(faults.KindOf(err))
	detail := ""
	if err != nil {
		detail = err.Error()
	}

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: c.ctx()}, c.Job.ID, terminalStatuses, map[string]any{
			"status":        types.JobStatusFailed,
			"stage":         stage,
			"error_kind":    kind,
			"error_detail":  detail,
			"last_error_at": now,
			"locked_at":     nil,
			"completed_at":  now,
			"updated_at":    now,
		})
		if !ok {
			return
		}
	}
	if c.Job != nil {
		c.Job.Status = types.JobStatusFailed
		c.Job.Stage = stage
		c.Job.ErrorKind = kind
		c.Job.ErrorDetail = detail
		c.Job.LastErrorAt = &now
		c.Job.LockedAt = nil
		c.Job.CompletedAt = &now
		c.Job.UpdatedAt = now
	}
	if c.Notify != nil && c.Job != nil {
		c.Notify.JobFailed(c.ctx(), c.Job, stage, kind, detail)
	}
}

// Succeed marks the job terminally succeeded and persists a result
// payload.
func (c *Context) Succeed(finalStage string, result any) {
	if c == nil {
		return
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: c.ctx()}, c.Job.ID, []string{types.JobStatusFailed, types.JobStatusCancelled}, map[string]any{
			"status":       types.JobStatusSucceeded,
			"stage":        finalStage,
			"progress":     100,
			"error_kind":   "",
			"error_detail": "",
			"result":       res,
			"locked_at":    nil,
			"heartbeat_at": now,
			"completed_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}
	if c.Job != nil {
		c.Job.Status = types.JobStatusSucceeded
		c.Job.Stage = finalStage
		c.Job.Progress = 100
		c.Job.ErrorKind = ""
		c.Job.ErrorDetail = ""
		c.Job.Result = res
		c.Job.LockedAt = nil
		c.Job.HeartbeatAt = &now
		c.Job.CompletedAt = &now
		c.Job.UpdatedAt = now
	}
	if c.Notify != nil && c.Job != nil {
		c.Notify.JobSucceeded(c.ctx(), c.Job)
	}
}

// Cancel transitions a running job whose cancel_requested flag was
// observed into the cancelled terminal state.
func (c *Context) Cancel(stage string) {
	if c == nil {
		return
	}
	now := time.Now()
	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: c.ctx()}, c.Job.ID, terminalStatuses, map[string]any{
			"status":       types.JobStatusCancelled,
			"stage":        stage,
			"error_kind":   string(faults.KindCancelled),
			"error_detail": "cancelled by user",
			"locked_at":    nil,
			"completed_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}
	if c.Job != nil {
		c.Job.Status = types.JobStatusCancelled
		c.Job.Stage = stage
		c.Job.ErrorKind = string(faults.KindCancelled)
		c.Job.LockedAt = nil
		c.Job.CompletedAt = &now
		c.Job.UpdatedAt = now
	}
	if c.Notify != nil && c.Job != nil {
		c.Notify.JobCancelled(c.ctx(), c.Job)
	}
}

// CancelRequested re-reads the row and reports whether a cancellation is
// pending. Read-only, so stage-internal watchers may poll it from their
// own goroutine while the stage body runs.
func (c *Context) CancelRequested() bool {
	if c == nil || c.Repo == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return false
	}
	row, err := c.Repo.GetByID(dbctx.Context{Ctx: c.ctx()}, c.Job.ID)
	if err != nil || row == nil {
		return false
	}
	return row.CancelRequested || row.Status == types.JobStatusCancelled
}

func (c *Context) ctx() context.Context {
	if c.Ctx == nil {
		return context.Background()
	}
	return c.Ctx
}
