package videorender

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/jobs/orchestrator"
	jobrt "github.com/Giwoong-ryu/qt-make-sub000/internal/jobs/runtime"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/media"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/services"
)

// validate_input: admission. Places the quota hold, checks the layout
// reference, downloads the narration and bounds its duration.
func (p *Pipeline) runValidateInput(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
	job := jc.Job
	if strings.TrimSpace(job.Title) == "" {
		return nil, faults.New(faults.KindBadInput, "title is required")
	}
	if strings.TrimSpace(job.AudioBlobURL) == "" {
		return nil, faults.New(faults.KindBadInput, "audio blob is required")
	}

	dbc := dbctx.Context{Ctx: jc.Ctx}
	if err := p.deps.Quota.PlaceHold(dbc, job.TenantID, job.ID); err != nil {
		return nil, err
	}

	if job.LayoutID != nil {
		layout, err := p.deps.Layouts.GetByID(dbc, *job.LayoutID)
		if err != nil {
			return nil, faults.Wrap(faults.KindStorageError, err, "load layout")
		}
		if layout == nil || layout.TenantID != job.TenantID {
			return nil, faults.New(faults.KindBadInput, "layout %s not found", job.LayoutID)
		}
	}

	scratch, err := p.deps.Tools.JobScratchDir(job.ID)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternalMediaError, err, "create scratch dir")
	}

	audioPath := filepath.Join(scratch, "narration.src")
	contentType, err := p.download(jc, job.AudioBlobURL, audioPath)
	if err != nil {
		return nil, err
	}

	dur, err := p.deps.Tools.ProbeAudio(jc.Ctx, audioPath)
	if err != nil {
		return nil, err
	}
	if err := checkAudioDuration(dur); err != nil {
		return nil, err
	}

	return map[string]any{
		"scratch_dir":      scratch,
		"audio_path":       audioPath,
		"content_type":     contentType,
		"duration_seconds": dur,
	}, nil
}

// transcribeDone reports an existing transcript. A regenerated job seeded
// with its source's edited segments keeps them instead of re-transcribing.
func (p *Pipeline) transcribeDone(jc *jobrt.Context, st *orchestrator.OrchestratorState) (bool, error) {
	segments, err := p.deps.Subtitles.GetByJobID(dbctx.Context{Ctx: jc.Ctx}, jc.Job.ID)
	if err != nil {
		return false, faults.Wrap(faults.KindStorageError, err, "load transcript")
	}
	return len(segments) > 0, nil
}

// transcribe: long-running recognition against the uploaded blob, grouped
// into display-sized phrases and persisted as the raw segment set.
func (p *Pipeline) runTranscribe(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
	job := jc.Job
	contentType := st.OutputString(StageValidateInput, "content_type")

	phrases, err := p.deps.Speech.TranscribeGCS(jc.Ctx, p.deps.Bucket.GCSURI(job.AudioBlobURL), contentType, job.Language)
	if err != nil {
		return nil, err
	}
	if len(phrases) == 0 {
		// Silent or music-only narration still renders, just without
		// burned subtitles.
		p.log.Info("No speech recognized, rendering without subtitles", "job_id", job.ID)
		return map[string]any{"phrase_count": 0}, nil
	}

	rows := make([]*types.SubtitleSegment, len(phrases))
	for i, ph := range phrases {
		rows[i] = &types.SubtitleSegment{
			JobID:        job.ID,
			Index:        i,
			StartSeconds: ph.StartSeconds,
			EndSeconds:   ph.EndSeconds,
			Text:         ph.Text,
		}
	}
	if err := p.deps.Subtitles.ReplaceForJob(dbctx.Context{Ctx: jc.Ctx}, job.ID, rows); err != nil {
		return nil, faults.Wrap(faults.KindStorageError, err, "persist transcript")
	}
	return map[string]any{"phrase_count": len(rows)}, nil
}

// post_process_subtitles: tenant dictionary replacements, merge of short
// fragments, then the SRT file the composer burns in.
func (p *Pipeline) runPostProcess(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
	job := jc.Job
	dbc := dbctx.Context{Ctx: jc.Ctx}

	segments, err := p.deps.Subtitles.GetByJobID(dbc, job.ID)
	if err != nil {
		return nil, faults.Wrap(faults.KindStorageError, err, "load transcript")
	}

	var processed []*types.SubtitleSegment
	var counts map[string]int
	if len(segments) > 0 {
		dictionary, err := p.deps.Replacements.ListByTenant(dbc, job.TenantID)
		if err != nil {
			return nil, faults.Wrap(faults.KindStorageError, err, "load replacement dictionary")
		}

		processed, counts = p.deps.Subtitler.Process(segments, dictionary)
		if err := p.deps.Subtitles.ReplaceForJob(dbc, job.ID, processed); err != nil {
			return nil, faults.Wrap(faults.KindStorageError, err, "persist processed transcript")
		}
		if len(counts) > 0 {
			if err := p.deps.Replacements.IncrementUseCounts(dbc, job.TenantID, counts); err != nil {
				// Usage counters are advisory; never fail a render over them.
				p.log.Warn("Failed to bump replacement use counts", "job_id", job.ID, "error", err)
			}
		}
	}

	srtPath := filepath.Join(st.OutputString(StageValidateInput, "scratch_dir"), "subtitles.srt")
	if err := os.WriteFile(srtPath, []byte(services.FormatSRT(processed)), 0o644); err != nil {
		return nil, faults.Wrap(faults.KindInternalMediaError, err, "write srt")
	}

	return map[string]any{
		"srt_path":      srtPath,
		"segment_count": len(processed),
		"replacements":  len(counts),
	}, nil
}

// plan_queries: slot math plus model-written search queries, with the
// static fallback rotation when the model misbehaves.
func (p *Pipeline) runPlanQueries(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
	job := jc.Job
	segments, err := p.deps.Subtitles.GetByJobID(dbctx.Context{Ctx: jc.Ctx}, job.ID)
	if err != nil {
		return nil, faults.Wrap(faults.KindStorageError, err, "load transcript")
	}

	duration := st.OutputFloat(StageValidateInput, "duration_seconds")
	slots, degraded, err := p.deps.Planner.Plan(jc.Ctx, duration, job.Title, segments)
	if err != nil {
		return nil, err
	}

	overrides, err := decodeClipOverride(job.ClipOverride)
	if err != nil {
		return nil, faults.New(faults.KindBadInput, "invalid clip override: %v", err)
	}
	for i := range slots {
		if q, ok := overrides[slots[i].Index]; ok {
			slots[i].Query = q
			slots[i].SemanticTags = nil
		}
	}

	return map[string]any{
		"slots":    slots,
		"degraded": degraded,
	}, nil
}

// acquire_clips: fill every slot with a moderated, normalized clip.
func (p *Pipeline) runAcquireClips(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
	job := jc.Job
	dbc := dbctx.Context{Ctx: jc.Ctx}

	slots, err := slotsFromState(st)
	if err != nil {
		return nil, err
	}

	blacklist, err := p.deps.Blacklist.AllIDs(dbc)
	if err != nil {
		return nil, faults.Wrap(faults.KindStorageError, err, "load blacklist")
	}

	recentJobs, err := p.deps.Jobs.RecentSucceededIDs(dbc, job.TenantID, p.deps.Config.RecencyWindowJobs)
	if err != nil {
		return nil, faults.Wrap(faults.KindStorageError, err, "load recent jobs")
	}
	recent, err := p.deps.UsedClips.ExternalIDsByJobIDs(dbc, recentJobs)
	if err != nil {
		return nil, faults.Wrap(faults.KindStorageError, err, "load recent clips")
	}

	clips, err := p.deps.Clips.AcquireForSlots(jc.Ctx, services.AcquireRequest{
		TenantID:     job.TenantID,
		JobID:        job.ID,
		Slots:        slots,
		Blacklist:    blacklist,
		RecentlyUsed: recent,
		ScratchDir:   st.OutputString(StageValidateInput, "scratch_dir"),
	})
	if err != nil {
		return nil, err
	}

	refs := make([]slotClipRef, len(clips))
	for i, c := range clips {
		refs[i] = slotClipRef{
			Index:      c.Slot.Index,
			ExternalID: c.ExternalID,
			Path:       c.LocalPath,
			FromPool:   c.FromPool,
		}
	}
	return map[string]any{"clips": refs}, nil
}

// compose_body: concat the slot clips, burn subtitles, mux the narration.
func (p *Pipeline) runComposeBody(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
	refs, err := clipsFromState(st)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(refs))
	for i, ref := range refs {
		if _, err := os.Stat(ref.Path); err != nil {
			return nil, faults.Wrap(faults.KindInternalMediaError, err, "clip for slot %d missing on disk", ref.Index).WithRetryable(true)
		}
		paths[i] = ref.Path
	}

	// An empty transcript means nothing to burn.
	subtitlePath := ""
	if st.OutputFloat(StagePostProcess, "segment_count") > 0 {
		subtitlePath = st.OutputString(StagePostProcess, "srt_path")
	}

	bodyPath, err := p.deps.Composer.Compose(jc.Ctx, media.ComposeRequest{
		ClipPaths:       paths,
		VoicePath:       st.OutputString(StageValidateInput, "audio_path"),
		SubtitlePath:    subtitlePath,
		WorkDir:         st.OutputString(StageValidateInput, "scratch_dir"),
		DurationSeconds: st.OutputFloat(StageValidateInput, "duration_seconds"),
		OnProgress:      p.bandProgress(jc, st, StageComposeBody, 55, 80, "Rendering body"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"body_path": bodyPath}, nil
}

// apply_intro_outro: layout stills around the body, narration shifted past
// the intro, music mixed and ducked under the whole video.
func (p *Pipeline) runApplyIntroOutro(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
	job := jc.Job
	scratch := st.OutputString(StageValidateInput, "scratch_dir")

	layout, boxes, err := p.loadLayout(jc)
	if err != nil {
		return nil, err
	}
	introSeconds, outroSeconds, err := stillSeconds(layout)
	if err != nil {
		return nil, err
	}

	bgPath := ""
	if layout.BackgroundBlobURL != "" {
		bgPath = filepath.Join(scratch, "layout_bg.img")
		if _, err := p.download(jc, layout.BackgroundBlobURL, bgPath); err != nil {
			return nil, err
		}
	}

	// The intro still doubles as the thumbnail artifact, so it is rendered
	// even when the intro itself is disabled.
	introPath := filepath.Join(scratch, "intro.png")
	fields := map[string]string{
		"title": job.Title,
		"date":  job.CreatedAt.Format("2006.01.02"),
	}
	if err := p.deps.Stills.RenderStill(media.StillRequest{
		BackgroundImagePath: bgPath,
		BackgroundColor:     layout.BackgroundColor,
		Boxes:               boxes,
		Fields:              fields,
		OutPath:             introPath,
	}); err != nil {
		return nil, faults.Wrap(faults.KindInternalMediaError, err, "render intro still")
	}

	outroPath := ""
	if outroSeconds > 0 {
		outroPath = filepath.Join(scratch, "outro.png")
		if err := p.deps.Stills.RenderStill(media.StillRequest{
			BackgroundImagePath: bgPath,
			BackgroundColor:     layout.BackgroundColor,
			OutPath:             outroPath,
		}); err != nil {
			return nil, faults.Wrap(faults.KindInternalMediaError, err, "render outro still")
		}
	}

	bgmPath := ""
	if job.BGMBlobURL != "" {
		bgmPath = filepath.Join(scratch, "bgm.src")
		if _, err := p.download(jc, job.BGMBlobURL, bgmPath); err != nil {
			return nil, err
		}
	}

	spans, err := p.subtitleSpans(jc)
	if err != nil {
		return nil, err
	}

	finalPath, err := p.deps.Overlay.Apply(jc.Ctx, media.OverlayRequest{
		BodyPath:       st.OutputString(StageComposeBody, "body_path"),
		BodySeconds:    st.OutputFloat(StageValidateInput, "duration_seconds"),
		IntroImagePath: introPath,
		OutroImagePath: outroPath,
		IntroSeconds:   introSeconds,
		OutroSeconds:   outroSeconds,
		BGMPath:        bgmPath,
		BGMGain:        job.BGMGain,
		SubtitleSpans:  spans,
		WorkDir:        scratch,
		OnProgress:     p.bandProgress(jc, st, StageApplyIntroOutro, 80, 90, "Adding intro and outro"),
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"final_path":     finalPath,
		"thumbnail_path": introPath,
	}, nil
}

// persist_artifacts: upload video, subtitles and thumbnail, record output
// columns on the job row.
func (p *Pipeline) runPersistArtifacts(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
	job := jc.Job
	prefix := fmt.Sprintf("tenants/%s/jobs/%s", job.TenantID, job.ID)

	finalPath := st.OutputString(StageApplyIntroOutro, "final_path")
	videoKey := prefix + "/video.mp4"
	if err := p.upload(jc, finalPath, videoKey, "video/mp4"); err != nil {
		return nil, err
	}

	srtKey := prefix + "/subtitles.srt"
	if err := p.upload(jc, st.OutputString(StagePostProcess, "srt_path"), srtKey, "application/x-subrip"); err != nil {
		return nil, err
	}

	thumbKey := prefix + "/thumbnail.png"
	if err := p.upload(jc, st.OutputString(StageApplyIntroOutro, "thumbnail_path"), thumbKey, "image/png"); err != nil {
		return nil, err
	}

	probed, err := p.deps.Tools.Probe(jc.Ctx, finalPath)
	if err != nil {
		return nil, err
	}
	finalSeconds := probed.DurationSeconds()

	if err := jc.Update(map[string]any{
		"video_blob_url":     videoKey,
		"subtitle_blob_url":  srtKey,
		"thumbnail_blob_url": thumbKey,
		"duration_seconds":   finalSeconds,
		"updated_at":         time.Now(),
	}); err != nil {
		return nil, faults.Wrap(faults.KindStorageError, err, "record artifacts")
	}

	return map[string]any{
		"video_key":        videoKey,
		"subtitle_key":     srtKey,
		"thumbnail_key":    thumbKey,
		"duration_seconds": finalSeconds,
	}, nil
}

// finalize: one transaction commits the quota hold and records the used
// clips, so a successful render consumes quota exactly once and its
// footage enters the recency window atomically. Both writes are
// idempotent, which makes a crash between this stage and the terminal
// status update safe to replay.
func (p *Pipeline) runFinalize(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
	job := jc.Job
	refs, err := clipsFromState(st)
	if err != nil {
		return nil, err
	}

	rows := make([]*types.UsedClip, 0, len(refs))
	for _, ref := range refs {
		rows = append(rows, &types.UsedClip{
			TenantID:       job.TenantID,
			JobID:          job.ID,
			ExternalClipID: ref.ExternalID,
		})
	}

	err = p.deps.DB.WithContext(jc.Ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: jc.Ctx, Tx: tx}
		if len(rows) > 0 {
			if _, err := p.deps.UsedClips.CreateIgnoreDuplicates(dbc, rows); err != nil {
				return err
			}
		}
		return p.deps.Quota.CommitHold(dbc, job.TenantID, job.ID)
	})
	if err != nil {
		return nil, faults.Wrap(faults.KindStorageError, err, "finalize render")
	}

	if err := p.deps.Tools.RemoveJobScratch(job.ID); err != nil {
		p.log.Warn("Failed to remove job scratch dir", "job_id", job.ID, "error", err)
	}
	return map[string]any{"clips_recorded": len(rows)}, nil
}
