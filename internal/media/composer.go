package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

// subtitleStyle is the burned-in look for every render. Korean devotional
// viewers are mostly on phones, so the size and margin favor readability
// over screen economy.
const subtitleStyle = "FontName=Noto Sans CJK KR,FontSize=17," +
	"PrimaryColour=&H00FFFFFF,OutlineColour=&H00000000," +
	"BorderStyle=1,Outline=2,Shadow=0,MarginV=40,Alignment=2"

// ComposeRequest describes one body render: ordered slot clips, the
// narration track and the subtitle file to burn.
type ComposeRequest struct {
	ClipPaths       []string
	VoicePath       string
	SubtitlePath    string
	WorkDir         string
	DurationSeconds float64
	OnProgress      func(frac float64)
}

// Composer builds the subtitled body video in two passes: a clip concat,
// then a single encode that burns subtitles and muxes the narration. The
// concat is a stream copy when every clip conforms to the normalized
// contract, otherwise it falls back to a re-encode.
type Composer struct {
	log   *logger.Logger
	tools *Tools
}

func NewComposer(log *logger.Logger, tools *Tools) *Composer {
	return &Composer{log: log.With("service", "Composer"), tools: tools}
}

func (c *Composer) Compose(ctx context.Context, req ComposeRequest) (string, error) {
	if len(req.ClipPaths) == 0 {
		return "", faults.New(faults.KindBadInput, "no clips to compose")
	}
	if req.WorkDir == "" {
		return "", faults.New(faults.KindBadInput, "work dir required")
	}

	listPath := filepath.Join(req.WorkDir, "concat.txt")
	if err := writeConcatList(listPath, req.ClipPaths); err != nil {
		return "", faults.Wrap(faults.KindInternalMediaError, err, "write concat list")
	}

	silent := filepath.Join(req.WorkDir, "body_silent.mp4")
	copySafe, err := c.clipsConform(ctx, req.ClipPaths)
	if err != nil {
		return "", err
	}
	if err := c.tools.runFFmpeg(ctx, concatArgs(listPath, silent, copySafe)...); err != nil {
		return "", err
	}

	out := filepath.Join(req.WorkDir, "body.mp4")
	args := burnArgs(silent, req.VoicePath, req.SubtitlePath, out)
	if err := c.tools.runFFmpegProgress(ctx, req.DurationSeconds, req.OnProgress, args...); err != nil {
		return "", err
	}
	return out, nil
}

// clipsConform probes every clip against the normalized contract. A single
// nonconforming clip forces the re-encode concat path.
func (c *Composer) clipsConform(ctx context.Context, paths []string) (bool, error) {
	for _, p := range paths {
		result, err := c.tools.Probe(ctx, p)
		if err != nil {
			return false, err
		}
		if err := CheckNormalized(result); err != nil {
			c.log.Warn("Clip violates normalized contract, re-encoding concat", "clip", p, "violation", err)
			return false, nil
		}
	}
	return true, nil
}

func concatArgs(listPath, outPath string, copySafe bool) []string {
	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", listPath}
	if copySafe {
		args = append(args, "-c", "copy")
	} else {
		args = append(args,
			"-vf", normalizeFilter,
			"-an",
			"-c:v", "libx264",
			"-preset", "faster",
			"-crf", "23",
		)
	}
	return append(args, outPath)
}

// burnArgs builds the final body encode. An empty subtitlePath means the
// narration had no usable speech, so nothing is burned and the video track
// is encoded as-is.
func burnArgs(videoPath, voicePath, subtitlePath, outPath string) []string {
	args := []string{
		"-y",
		"-i", videoPath,
		"-i", voicePath,
	}
	if subtitlePath != "" {
		args = append(args, "-vf", fmt.Sprintf("subtitles=%s:force_style='%s'", escapeFilterPath(subtitlePath), subtitleStyle))
	}
	return append(args,
		"-map", "0:v",
		"-map", "1:a",
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "21",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "48000",
		"-ac", "2",
		"-shortest",
		"-movflags", "+faststart",
		outPath,
	)
}

// writeConcatList writes the concat demuxer input. Single quotes inside
// paths use the '\'' shell-style escape the demuxer expects.
func writeConcatList(path string, clips []string) error {
	var b strings.Builder
	for _, clip := range clips {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(clip, "'", `'\''`))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// escapeFilterPath escapes a path for use inside a filtergraph argument.
func escapeFilterPath(p string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`:`, `\:`,
		`'`, `\'`,
		`,`, `\,`,
		`[`, `\[`,
		`]`, `\]`,
	)
	return r.Replace(p)
}
