package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/utils"
)

// Tools is the glue around the system binaries the render pipeline shells
// out to:
//
// REQUIRED BINARIES in worker runtime:
// - ffmpeg for normalization, concat, subtitle burn and audio mixing
// - ffprobe for input validation and output conformance checks
//
// Synchronous and deterministic; call from worker jobs, not request handlers.
type Tools struct {
	log *logger.Logger

	ffmpegPath  string
	ffprobePath string

	scratchRoot string
}

func NewTools(log *logger.Logger, scratchRoot string) *Tools {
	slog := log.With("service", "MediaTools")
	return &Tools{
		log:         slog,
		ffmpegPath:  utils.GetEnv("FFMPEG_PATH", "ffmpeg", slog),
		ffprobePath: utils.GetEnv("FFPROBE_PATH", "ffprobe", slog),
		scratchRoot: scratchRoot,
	}
}

func (t *Tools) AssertReady(ctx context.Context) error {
	for _, bin := range []string{t.ffmpegPath, t.ffprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("missing required binary %q in PATH: %w", bin, err)
		}
	}
	if err := os.MkdirAll(t.scratchRoot, 0o755); err != nil {
		return fmt.Errorf("create scratch root: %w", err)
	}
	return nil
}

// JobScratchDir creates (if needed) and returns the per-job working
// directory. Everything the pipeline writes for a job lives under it, so
// cleanup after a terminal state is a single RemoveAll.
func (t *Tools) JobScratchDir(jobID uuid.UUID) (string, error) {
	dir := filepath.Join(t.scratchRoot, "job_"+jobID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job scratch dir: %w", err)
	}
	return dir, nil
}

func (t *Tools) RemoveJobScratch(jobID uuid.UUID) error {
	return os.RemoveAll(filepath.Join(t.scratchRoot, "job_"+jobID.String()))
}

// runFFmpeg executes ffmpeg and classifies the failure. Context
// cancellation and deadline win over the process exit error, since ffmpeg
// reports "signal: killed" for both.
func (t *Tools) runFFmpeg(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return faults.Wrap(faults.KindInternalMediaError, err, "ffmpeg failed: %s", tail(out, 800))
	}
	return nil
}

// runFFmpegProgress executes ffmpeg with "-progress pipe:1" prepended to
// the output, reporting completion fractions against totalSeconds. The
// fraction is monotonic and capped at 1.
func (t *Tools) runFFmpegProgress(ctx context.Context, totalSeconds float64, onProgress func(frac float64), args ...string) error {
	full := append([]string{"-progress", "pipe:1", "-nostats"}, args...)
	cmd := exec.CommandContext(ctx, t.ffmpegPath, full...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return faults.Wrap(faults.KindInternalMediaError, err, "ffmpeg start failed")
	}
	consumeProgress(stdout, totalSeconds, onProgress)
	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return faults.Wrap(faults.KindInternalMediaError, err, "ffmpeg failed: %s", tail(stderr.Bytes(), 800))
	}
	return nil
}

// consumeProgress reads the key=value stream ffmpeg writes under
// "-progress" and forwards out_time_us ticks as fractions of totalSeconds.
func consumeProgress(r io.Reader, totalSeconds float64, onProgress func(frac float64)) {
	if onProgress == nil {
		_, _ = io.Copy(io.Discard, r)
		return
	}
	var last float64
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		val, ok := strings.CutPrefix(line, "out_time_us=")
		if !ok {
			continue
		}
		us, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil || totalSeconds <= 0 {
			continue
		}
		frac := float64(us) / 1e6 / totalSeconds
		if frac > 1 {
			frac = 1
		}
		if frac > last {
			last = frac
			onProgress(frac)
		}
	}
}

// tail keeps error messages bounded; ffmpeg prints its banner and filter
// graphs before the part that matters.
func tail(out []byte, n int) string {
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return string(out)
}
