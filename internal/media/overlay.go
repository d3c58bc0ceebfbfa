package media

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

const (
	crossfadeSeconds = 0.5

	// -6 dB while narration is on screen.
	duckFactor = "0.501"
)

// Span is a half-open time range in seconds, used for the subtitle
// intervals that duck the background music.
type Span struct {
	StartSeconds float64
	EndSeconds   float64
}

// OverlayRequest finishes a body render: intro and outro stills faded in
// and out around it, narration shifted past the intro, and optional
// background music under the whole video. A zero IntroSeconds or
// OutroSeconds disables that still entirely; with both disabled the body
// passes through and only the audio mix is applied.
type OverlayRequest struct {
	BodyPath    string
	BodySeconds float64

	IntroImagePath string
	OutroImagePath string
	IntroSeconds   float64
	OutroSeconds   float64

	BGMPath       string
	BGMGain       float64
	SubtitleSpans []Span

	WorkDir    string
	OnProgress func(frac float64)
}

type Overlay struct {
	log   *logger.Logger
	tools *Tools
}

func NewOverlay(log *logger.Logger, tools *Tools) *Overlay {
	return &Overlay{log: log.With("service", "Overlay"), tools: tools}
}

func (o *Overlay) Apply(ctx context.Context, req OverlayRequest) (string, error) {
	if req.BodyPath == "" {
		return "", faults.New(faults.KindBadInput, "body path required")
	}
	if req.IntroSeconds > 0 && req.IntroImagePath == "" {
		return "", faults.New(faults.KindBadInput, "intro still enabled but no image")
	}
	if req.OutroSeconds > 0 && req.OutroImagePath == "" {
		return "", faults.New(faults.KindBadInput, "outro still enabled but no image")
	}

	total := req.BodySeconds
	out := filepath.Join(req.WorkDir, "final.mp4")

	args := []string{"-y", "-i", req.BodyPath}
	if req.IntroSeconds > 0 {
		total += req.IntroSeconds - crossfadeSeconds
		args = append(args, "-loop", "1", "-t", fmt.Sprintf("%.2f", req.IntroSeconds), "-i", req.IntroImagePath)
	}
	if req.OutroSeconds > 0 {
		total += req.OutroSeconds - crossfadeSeconds
		args = append(args, "-loop", "1", "-t", fmt.Sprintf("%.2f", req.OutroSeconds), "-i", req.OutroImagePath)
	}
	if req.BGMPath != "" {
		args = append(args, "-stream_loop", "-1", "-i", req.BGMPath)
	}
	args = append(args,
		"-filter_complex", overlayFilter(req),
		"-map", "[vout]",
		"-map", "[aout]",
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "21",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ar", "48000",
		"-ac", "2",
		"-t", fmt.Sprintf("%.2f", total),
		"-movflags", "+faststart",
		out,
	)
	if err := o.tools.runFFmpegProgress(ctx, total, req.OnProgress, args...); err != nil {
		return "", err
	}
	return out, nil
}

const stillFilter = "scale=1920:1080:force_original_aspect_ratio=decrease," +
	"pad=1920:1080:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=30,format=yuv420p"

// overlayFilter builds the full filter graph. Each enabled still joins the
// body through a fade crossfade, so every seam shortens the final length by
// one crossfade. The body content starts crossfadeSeconds before the intro
// still ends, and narration is shifted by exactly that amount so voice and
// picture stay aligned; music is gain-staged, ducked during subtitle spans
// and mixed under the narration for the entire runtime.
func overlayFilter(req OverlayRequest) string {
	next := 1
	introIdx, outroIdx, bgmIdx := -1, -1, -1
	if req.IntroSeconds > 0 {
		introIdx = next
		next++
	}
	if req.OutroSeconds > 0 {
		outroIdx = next
		next++
	}
	if req.BGMPath != "" {
		bgmIdx = next
	}

	shift := 0.0
	if introIdx >= 0 {
		shift = req.IntroSeconds - crossfadeSeconds
	}
	delayMs := int(shift * 1000)

	var b strings.Builder
	switch {
	case introIdx >= 0 && outroIdx >= 0:
		fmt.Fprintf(&b, "[%d:v]%s[intro];", introIdx, stillFilter)
		fmt.Fprintf(&b, "[%d:v]%s[outro];", outroIdx, stillFilter)
		fmt.Fprintf(&b, "[intro][0:v]xfade=transition=fade:duration=%.2f:offset=%.2f[pre];", crossfadeSeconds, req.IntroSeconds-crossfadeSeconds)
		fmt.Fprintf(&b, "[pre][outro]xfade=transition=fade:duration=%.2f:offset=%.2f[vout];", crossfadeSeconds, req.IntroSeconds+req.BodySeconds-2*crossfadeSeconds)
	case introIdx >= 0:
		fmt.Fprintf(&b, "[%d:v]%s[intro];", introIdx, stillFilter)
		fmt.Fprintf(&b, "[intro][0:v]xfade=transition=fade:duration=%.2f:offset=%.2f[vout];", crossfadeSeconds, req.IntroSeconds-crossfadeSeconds)
	case outroIdx >= 0:
		fmt.Fprintf(&b, "[%d:v]%s[outro];", outroIdx, stillFilter)
		fmt.Fprintf(&b, "[0:v][outro]xfade=transition=fade:duration=%.2f:offset=%.2f[vout];", crossfadeSeconds, req.BodySeconds-crossfadeSeconds)
	default:
		b.WriteString("[0:v]null[vout];")
	}

	if bgmIdx < 0 {
		fmt.Fprintf(&b, "[0:a]adelay=%d|%d,apad[aout]", delayMs, delayMs)
		return b.String()
	}

	fmt.Fprintf(&b, "[0:a]adelay=%d|%d[voice];", delayMs, delayMs)
	fmt.Fprintf(&b, "[%d:a]volume=%.3f,volume='%s':eval=frame[bgm];", bgmIdx, req.BGMGain, duckExpr(req.SubtitleSpans, shift))
	b.WriteString("[voice][bgm]amix=inputs=2:duration=longest:normalize=0[aout]")
	return b.String()
}

// duckExpr lowers music volume while any shifted subtitle span is active.
func duckExpr(spans []Span, shift float64) string {
	if len(spans) == 0 {
		return "1"
	}
	conds := make([]string, len(spans))
	for i, sp := range spans {
		conds[i] = fmt.Sprintf("between(t,%.2f,%.2f)", sp.StartSeconds+shift, sp.EndSeconds+shift)
	}
	return fmt.Sprintf("if(%s,%s,1)", strings.Join(conds, "+"), duckFactor)
}
