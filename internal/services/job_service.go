package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/data/repos"
	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

// defaultBGMGain applies when music is attached without an explicit gain.
const defaultBGMGain = 0.3

// JobSubmission is the caller-facing request to render one video. BGMGain
// is a pointer so "not set" and "explicitly zero" stay distinguishable; an
// unset gain falls back to the default when music is attached.
type JobSubmission struct {
	TenantID       uuid.UUID         `json:"tenant_id"`
	UserID         uuid.UUID         `json:"user_id"`
	Title          string            `json:"title"`
	AudioBlobURL   string            `json:"audio_blob_url"`
	LayoutID       *uuid.UUID        `json:"layout_id,omitempty"`
	GenerationMode string            `json:"generation_mode,omitempty"`
	Language       string            `json:"language,omitempty"`
	ClipOverride   map[string]string `json:"clip_override,omitempty"`
	BGMBlobURL     string            `json:"bgm_blob_url,omitempty"`
	BGMGain        *float64          `json:"bgm_gain,omitempty"`
}

// RegenerateOverrides adjusts selected inputs when resubmitting a finished
// job. Nil fields keep the source job's value; a Nil LayoutID override
// drops the layout.
type RegenerateOverrides struct {
	Title        *string           `json:"title,omitempty"`
	LayoutID     *uuid.UUID        `json:"layout_id,omitempty"`
	ClipOverride map[string]string `json:"clip_override,omitempty"`
	BGMBlobURL   *string           `json:"bgm_blob_url,omitempty"`
	BGMGain      *float64          `json:"bgm_gain,omitempty"`
}

// QuotaStatus is the read-side view of a tenant's weekly render budget.
type QuotaStatus struct {
	WeeklyLimit int       `json:"weekly_limit"`
	Used        int       `json:"used"`
	Holds       int       `json:"holds"`
	Remaining   int       `json:"remaining"`
	PeriodStart time.Time `json:"period_start"`
}

// JobService is the submission-side API for render jobs. Execution belongs
// to the worker; this service only creates, inspects and cancels rows.
type JobService interface {
	Submit(ctx context.Context, sub JobSubmission) (*types.RenderJob, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (*types.RenderJob, error)
	List(ctx context.Context, tenantID uuid.UUID, limit int) ([]*types.RenderJob, error)
	Cancel(ctx context.Context, tenantID, id uuid.UUID) (*types.RenderJob, error)
	Regenerate(ctx context.Context, tenantID, id uuid.UUID, overrides *RegenerateOverrides) (*types.RenderJob, error)
	Quota(ctx context.Context, tenantID uuid.UUID) (*QuotaStatus, error)
}

type jobService struct {
	db        *gorm.DB
	log       *logger.Logger
	jobs      repos.RenderJobRepo
	subtitles repos.SubtitleSegmentRepo
	quota     repos.QuotaRepo
	notify    JobNotifier

	defaultLanguage string
}

func NewJobService(db *gorm.DB, baseLog *logger.Logger, jobs repos.RenderJobRepo, subtitles repos.SubtitleSegmentRepo, quota repos.QuotaRepo, notify JobNotifier) JobService {
	return &jobService{
		db:              db,
		log:             baseLog.With("service", "JobService"),
		jobs:            jobs,
		subtitles:       subtitles,
		quota:           quota,
		notify:          notify,
		defaultLanguage: "ko-KR",
	}
}

// ParseSubmission decodes a submission body strictly: unknown fields are
// rejected so a typo'd option fails loudly instead of silently rendering
// with defaults.
func ParseSubmission(r io.Reader) (JobSubmission, error) {
	var sub JobSubmission
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sub); err != nil {
		return sub, faults.Wrap(faults.KindBadInput, err, "invalid submission body")
	}
	return sub, nil
}

// Submit validates the request, reserves quota and enqueues the job in one
// transaction. A quota fault aborts the insert, so rejected submissions
// leave no row behind.
func (s *jobService) Submit(ctx context.Context, sub JobSubmission) (*types.RenderJob, error) {
	return s.submit(ctx, sub, nil)
}

// submit runs the submission transaction. afterCreate, when set, runs in
// the same transaction right after the insert, before any worker can claim
// the row.
func (s *jobService) submit(ctx context.Context, sub JobSubmission, afterCreate func(dbc dbctx.Context, job *types.RenderJob) error) (*types.RenderJob, error) {
	job, err := s.buildJob(sub)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: txx}
		if err := s.quota.PlaceHold(dbc, job.TenantID, job.ID); err != nil {
			return err
		}
		if _, err := s.jobs.Create(dbc, []*types.RenderJob{job}); err != nil {
			return err
		}
		if afterCreate != nil {
			return afterCreate(dbc, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Render job queued", "job_id", job.ID, "tenant_id", job.TenantID, "title", job.Title)
	if s.notify != nil {
		s.notify.JobQueued(ctx, job)
	}
	return job, nil
}

func (s *jobService) buildJob(sub JobSubmission) (*types.RenderJob, error) {
	if sub.TenantID == uuid.Nil || sub.UserID == uuid.Nil {
		return nil, faults.New(faults.KindBadInput, "tenant_id and user_id are required")
	}
	if sub.Title == "" {
		return nil, faults.New(faults.KindBadInput, "title is required")
	}
	if sub.AudioBlobURL == "" {
		return nil, faults.New(faults.KindBadInput, "audio_blob_url is required")
	}

	mode := sub.GenerationMode
	if mode == "" {
		mode = types.GenerationModeNatural
	}
	if mode != types.GenerationModeNatural && mode != types.GenerationModeTemplate {
		return nil, faults.New(faults.KindBadInput, "unknown generation_mode %q", sub.GenerationMode)
	}

	language := sub.Language
	if language == "" {
		language = s.defaultLanguage
	}

	gain := 0.0
	if sub.BGMGain != nil {
		if *sub.BGMGain < 0 || *sub.BGMGain > 0.5 {
			return nil, faults.New(faults.KindBadInput, "bgm_gain must be within [0, 0.5]")
		}
		gain = *sub.BGMGain
	} else if sub.BGMBlobURL != "" {
		gain = defaultBGMGain
	}
	if sub.BGMBlobURL == "" {
		gain = 0
	}

	override, err := encodeClipOverride(sub.ClipOverride)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &types.RenderJob{
		ID:       uuid.New(),
		TenantID: sub.TenantID,
		UserID:   sub.UserID,
		JobType:  types.JobTypeVideoRender,

		AudioBlobURL:   sub.AudioBlobURL,
		Title:          sub.Title,
		LayoutID:       sub.LayoutID,
		GenerationMode: mode,
		Language:       language,
		ClipOverride:   override,
		BGMBlobURL:     sub.BGMBlobURL,
		BGMGain:        gain,

		Status: types.JobStatusQueued,
		// first stage of the render pipeline
		Stage: "validate_input",

		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func encodeClipOverride(override map[string]string) (datatypes.JSON, error) {
	if len(override) == 0 {
		return nil, nil
	}
	for k, v := range override {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 {
			return nil, faults.New(faults.KindBadInput, "clip_override key %q is not a slot index", k)
		}
		if v == "" {
			return nil, faults.New(faults.KindBadInput, "clip_override for slot %d is empty", idx)
		}
	}
	raw, err := json.Marshal(override)
	if err != nil {
		return nil, faults.Wrap(faults.KindBadInput, err, "encode clip_override")
	}
	return datatypes.JSON(raw), nil
}

func (s *jobService) Get(ctx context.Context, tenantID, id uuid.UUID) (*types.RenderJob, error) {
	job, err := s.jobs.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, fmt.Errorf("Failed to load job %s: %w", id, err)
	}
	if job == nil || job.TenantID != tenantID {
		return nil, nil
	}
	return job, nil
}

func (s *jobService) List(ctx context.Context, tenantID uuid.UUID, limit int) ([]*types.RenderJob, error) {
	return s.jobs.ListByTenant(dbctx.Context{Ctx: ctx}, tenantID, limit)
}

// Cancel requests cancellation. A queued job cancels in place and gets its
// quota back immediately; a running one is flagged and the worker settles
// it at the next checkpoint.
func (s *jobService) Cancel(ctx context.Context, tenantID, id uuid.UUID) (*types.RenderJob, error) {
	job, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, faults.New(faults.KindBadInput, "job %s not found", id)
	}
	if types.IsTerminalStatus(job.Status) {
		return job, nil
	}

	if _, err := s.jobs.RequestCancel(dbctx.Context{Ctx: ctx}, id); err != nil {
		return nil, fmt.Errorf("Failed to request cancel for job %s: %w", id, err)
	}

	job, err = s.Get(ctx, tenantID, id)
	if err != nil || job == nil {
		return job, err
	}
	if job.Status == types.JobStatusCancelled {
		if err := s.quota.ReleaseHold(dbctx.Context{Ctx: ctx}, tenantID, id); err != nil {
			s.log.Warn("Failed to release quota hold on cancel", "job_id", id, "error", err)
		}
		if s.notify != nil {
			s.notify.JobCancelled(ctx, job)
		}
	}
	return job, nil
}

// Regenerate submits a fresh job with the same inputs as a finished one,
// with optional per-field overrides. The source's subtitle segments (as
// edited by the user) seed the new job in the submission transaction, so
// the render keeps them instead of transcribing again. The new render
// draws its own quota hold.
func (s *jobService) Regenerate(ctx context.Context, tenantID, id uuid.UUID, overrides *RegenerateOverrides) (*types.RenderJob, error) {
	src, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, faults.New(faults.KindBadInput, "job %s not found", id)
	}
	if !types.IsTerminalStatus(src.Status) {
		return nil, faults.New(faults.KindBadInput, "job %s is still %s", id, src.Status)
	}

	var override map[string]string
	if len(src.ClipOverride) > 0 && string(src.ClipOverride) != "null" {
		if err := json.Unmarshal(src.ClipOverride, &override); err != nil {
			return nil, faults.Wrap(faults.KindBadInput, err, "source job has invalid clip_override")
		}
	}

	sub := JobSubmission{
		TenantID:       src.TenantID,
		UserID:         src.UserID,
		Title:          src.Title,
		AudioBlobURL:   src.AudioBlobURL,
		LayoutID:       src.LayoutID,
		GenerationMode: src.GenerationMode,
		Language:       src.Language,
		ClipOverride:   override,
		BGMBlobURL:     src.BGMBlobURL,
	}
	if src.BGMBlobURL != "" {
		gain := src.BGMGain
		sub.BGMGain = &gain
	}
	if overrides != nil {
		if overrides.Title != nil {
			sub.Title = *overrides.Title
		}
		if overrides.LayoutID != nil {
			if *overrides.LayoutID == uuid.Nil {
				sub.LayoutID = nil
			} else {
				sub.LayoutID = overrides.LayoutID
			}
		}
		if overrides.ClipOverride != nil {
			sub.ClipOverride = overrides.ClipOverride
		}
		if overrides.BGMBlobURL != nil {
			sub.BGMBlobURL = *overrides.BGMBlobURL
		}
		if overrides.BGMGain != nil {
			sub.BGMGain = overrides.BGMGain
		}
	}

	return s.submit(ctx, sub, func(dbc dbctx.Context, job *types.RenderJob) error {
		segments, err := s.subtitles.GetByJobID(dbc, src.ID)
		if err != nil {
			return fmt.Errorf("Failed to load source transcript: %w", err)
		}
		if len(segments) == 0 {
			return nil
		}
		rows := make([]*types.SubtitleSegment, len(segments))
		for i, seg := range segments {
			rows[i] = &types.SubtitleSegment{
				JobID:        job.ID,
				Index:        seg.Index,
				StartSeconds: seg.StartSeconds,
				EndSeconds:   seg.EndSeconds,
				Text:         seg.Text,
			}
		}
		return s.subtitles.ReplaceForJob(dbc, job.ID, rows)
	})
}

func (s *jobService) Quota(ctx context.Context, tenantID uuid.UUID) (*QuotaStatus, error) {
	acct, err := s.quota.GetAccount(dbctx.Context{Ctx: ctx}, tenantID)
	if err != nil {
		return nil, fmt.Errorf("Failed to load quota account: %w", err)
	}
	if acct == nil {
		return nil, nil
	}
	remaining := acct.WeeklyLimit - acct.Used - acct.Holds
	if remaining < 0 {
		remaining = 0
	}
	return &QuotaStatus{
		WeeklyLimit: acct.WeeklyLimit,
		Used:        acct.Used,
		Holds:       acct.Holds,
		Remaining:   remaining,
		PeriodStart: acct.PeriodStart,
	}, nil
}
