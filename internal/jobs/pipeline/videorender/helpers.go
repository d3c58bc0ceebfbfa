package videorender

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gorm.io/datatypes"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/jobs/orchestrator"
	jobrt "github.com/Giwoong-ryu/qt-make-sub000/internal/jobs/runtime"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/media"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
)

// slotClipRef is the durable record of one acquired clip, small enough to
// live in the orchestrator state.
type slotClipRef struct {
	Index      int    `json:"index"`
	ExternalID string `json:"external_id"`
	Path       string `json:"path"`
	FromPool   bool   `json:"from_pool"`
}

func (p *Pipeline) download(jc *jobrt.Context, key, dstPath string) (string, error) {
	f, err := os.Create(dstPath)
	if err != nil {
		return "", faults.Wrap(faults.KindInternalMediaError, err, "create %s", dstPath)
	}
	contentType, err := p.deps.Bucket.DownloadTo(jc.Ctx, key, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = faults.Wrap(faults.KindInternalMediaError, cerr, "close %s", dstPath)
	}
	if err != nil {
		_ = os.Remove(dstPath)
		return "", err
	}
	return contentType, nil
}

func (p *Pipeline) upload(jc *jobrt.Context, srcPath, key, contentType string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return faults.Wrap(faults.KindInternalMediaError, err, "open %s", srcPath)
	}
	defer f.Close()
	return p.deps.Bucket.UploadFile(jc.Ctx, key, f, contentType)
}

// loadLayout resolves the job's layout, or a bare black layout with the
// default still durations when none was chosen.
func (p *Pipeline) loadLayout(jc *jobrt.Context) (*types.ThumbnailLayout, []types.TextBox, error) {
	job := jc.Job
	if job.LayoutID == nil {
		return &types.ThumbnailLayout{
			BackgroundColor: "#000000",
			IntroEnabled:    true,
			OutroEnabled:    true,
			IntroSeconds:    3,
			OutroSeconds:    3,
		}, defaultTextBoxes(), nil
	}
	layout, err := p.deps.Layouts.GetByID(dbctx.Context{Ctx: jc.Ctx}, *job.LayoutID)
	if err != nil {
		return nil, nil, faults.Wrap(faults.KindStorageError, err, "load layout")
	}
	if layout == nil {
		return nil, nil, faults.New(faults.KindBadInput, "layout %s not found", job.LayoutID)
	}
	boxes, err := decodeTextBoxes(layout.TextBoxes)
	if err != nil {
		return nil, nil, faults.New(faults.KindBadInput, "invalid layout text boxes: %v", err)
	}
	return layout, boxes, nil
}

func defaultTextBoxes() []types.TextBox {
	return []types.TextBox{
		{Field: "title", X: 160, Y: 420, Width: 1600, FontSize: 88, Color: "#ffffff", Align: "center"},
		{Field: "date", X: 160, Y: 620, Width: 1600, FontSize: 44, Color: "#c8c8c8", Align: "center"},
	}
}

func decodeTextBoxes(raw datatypes.JSON) ([]types.TextBox, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var boxes []types.TextBox
	if err := json.Unmarshal(raw, &boxes); err != nil {
		return nil, err
	}
	return boxes, nil
}

// decodeClipOverride parses the optional slot-query overrides, keyed by
// slot index.
func decodeClipOverride(raw datatypes.JSON) (map[int]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var byKey map[string]string
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, err
	}
	out := make(map[int]string, len(byKey))
	for k, v := range byKey {
		var idx int
		if _, err := fmt.Sscanf(k, "%d", &idx); err != nil {
			return nil, fmt.Errorf("slot key %q is not an index", k)
		}
		if idx < 0 {
			return nil, fmt.Errorf("slot index %d is negative", idx)
		}
		out[idx] = v
	}
	return out, nil
}

// Still duration bounds for an enabled intro or outro.
const (
	minStillSeconds = 2.0
	maxStillSeconds = 5.0
)

// stillSeconds resolves the effective intro and outro lengths from a
// layout: zero for a disabled side, otherwise the configured duration,
// which must sit inside the allowed range.
func stillSeconds(layout *types.ThumbnailLayout) (float64, float64, error) {
	intro, outro := 0.0, 0.0
	if layout.IntroEnabled {
		if layout.IntroSeconds < minStillSeconds || layout.IntroSeconds > maxStillSeconds {
			return 0, 0, faults.New(faults.KindBadInput, "intro duration %.1fs outside %.0f..%.0fs", layout.IntroSeconds, minStillSeconds, maxStillSeconds)
		}
		intro = layout.IntroSeconds
	}
	if layout.OutroEnabled {
		if layout.OutroSeconds < minStillSeconds || layout.OutroSeconds > maxStillSeconds {
			return 0, 0, faults.New(faults.KindBadInput, "outro duration %.1fs outside %.0f..%.0fs", layout.OutroSeconds, minStillSeconds, maxStillSeconds)
		}
		outro = layout.OutroSeconds
	}
	return intro, outro, nil
}

func checkAudioDuration(dur float64) error {
	if dur < minAudioSeconds {
		return faults.New(faults.KindBadInput, "narration is %.1fs, minimum is %ds", dur, minAudioSeconds)
	}
	if dur > maxAudioSeconds {
		return faults.New(faults.KindBadInput, "narration is %.0fs, limit is %ds", dur, maxAudioSeconds)
	}
	return nil
}

// subtitleSpans turns the persisted segments into ducking intervals.
func (p *Pipeline) subtitleSpans(jc *jobrt.Context) ([]media.Span, error) {
	segments, err := p.deps.Subtitles.GetByJobID(dbctx.Context{Ctx: jc.Ctx}, jc.Job.ID)
	if err != nil {
		return nil, faults.Wrap(faults.KindStorageError, err, "load transcript")
	}
	spans := make([]media.Span, len(segments))
	for i, seg := range segments {
		spans[i] = media.Span{StartSeconds: seg.StartSeconds, EndSeconds: seg.EndSeconds}
	}
	return spans, nil
}

// progressWriteEvery bounds how often render ticks reach the database.
const progressWriteEvery = 500 * time.Millisecond

// bandProgress maps a render fraction onto a stage's progress band. Ticks
// arrive a few times per second from ffmpeg; writes are coalesced to at
// most one per progressWriteEvery and the percentage never moves back.
// The band end itself is written by the orchestrator when the stage
// finishes, so a suppressed final tick is harmless.
func (p *Pipeline) bandProgress(jc *jobrt.Context, st *orchestrator.OrchestratorState, stage string, startPct, endPct int, msg string) func(frac float64) {
	last := startPct
	var lastWrite time.Time
	return func(frac float64) {
		pct := startPct + int(frac*float64(endPct-startPct))
		if pct > endPct {
			pct = endPct
		}
		now := p.now()
		if pct <= last || now.Sub(lastWrite) < progressWriteEvery {
			return
		}
		last = pct
		lastWrite = now
		orchestrator.SetProgress(jc, st, stage, pct, msg)
	}
}

// cancelPollInterval is how often a long stage re-reads the cancel flag.
const cancelPollInterval = 5 * time.Second

// cancellable wraps a stage so a user cancellation interrupts it mid-run
// instead of waiting for the stage to finish. A watcher goroutine polls
// the cancel flag and tears down the stage context, which kills any
// in-flight ffmpeg process or download. Used on the stages long enough
// for the between-stage checkpoints to not suffice.
func (p *Pipeline) cancellable(run func(*jobrt.Context, *orchestrator.OrchestratorState) (map[string]any, error)) func(*jobrt.Context, *orchestrator.OrchestratorState) (map[string]any, error) {
	return func(jc *jobrt.Context, st *orchestrator.OrchestratorState) (map[string]any, error) {
		return runCancelWatch(jc, cancelPollInterval, jc.CancelRequested, func(inner *jobrt.Context) (map[string]any, error) {
			return run(inner, st)
		})
	}
}

// runCancelWatch runs fn under a child context that is torn down as soon
// as requested reports true. A tripped watch always yields a cancelled
// fault regardless of how fn surfaced the teardown.
func runCancelWatch(jc *jobrt.Context, every time.Duration, requested func() bool, fn func(*jobrt.Context) (map[string]any, error)) (map[string]any, error) {
	wctx, stop := context.WithCancel(jc.Ctx)
	defer stop()

	tripped := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-wctx.Done():
				return
			case <-ticker.C:
				if requested() {
					close(tripped)
					stop()
					return
				}
			}
		}
	}()

	inner := *jc
	inner.Ctx = wctx
	outs, err := fn(&inner)
	select {
	case <-tripped:
		return nil, faults.New(faults.KindCancelled, "cancel requested mid-stage")
	default:
	}
	return outs, err
}

// stateDecode re-hydrates a typed value from outputs that went through a
// JSON round trip.
func stateDecode(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func slotsFromState(st *orchestrator.OrchestratorState) ([]types.ClipSlot, error) {
	v, ok := st.Output(StagePlanQueries, "slots")
	if !ok {
		return nil, faults.New(faults.KindInternalMediaError, "slot plan missing from state")
	}
	var slots []types.ClipSlot
	if err := stateDecode(v, &slots); err != nil {
		return nil, faults.Wrap(faults.KindInternalMediaError, err, "decode slot plan")
	}
	if len(slots) == 0 {
		return nil, faults.New(faults.KindInternalMediaError, "slot plan is empty")
	}
	return slots, nil
}

func clipsFromState(st *orchestrator.OrchestratorState) ([]slotClipRef, error) {
	v, ok := st.Output(StageAcquireClips, "clips")
	if !ok {
		return nil, faults.New(faults.KindInternalMediaError, "acquired clips missing from state")
	}
	var refs []slotClipRef
	if err := stateDecode(v, &refs); err != nil {
		return nil, faults.Wrap(faults.KindInternalMediaError, err, "decode acquired clips")
	}
	if len(refs) == 0 {
		return nil, faults.New(faults.KindInternalMediaError, "acquired clip list is empty")
	}
	return refs, nil
}
