package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Normalizer renders arbitrary source footage into the normalized clip
// contract: 1920x1080 letterboxed, 30fps, H.264 yuv420p, closed GOPs, no
// audio. Its Normalize method satisfies the clip source's NormalizeFunc.
type Normalizer struct {
	tools *Tools
}

func NewNormalizer(tools *Tools) *Normalizer {
	return &Normalizer{tools: tools}
}

func (n *Normalizer) Normalize(ctx context.Context, srcPath, dstPath string, trimSeconds float64) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("mkdir normalize output dir: %w", err)
	}
	// Sources that already meet the clip contract (the curated pool, cache
	// hits) are trimmed with a stream copy instead of a re-encode. The 1s
	// closed GOP keeps the copy cut accurate to within a second.
	conforms := false
	if probe, err := n.tools.Probe(ctx, srcPath); err == nil {
		conforms = CheckNormalized(probe) == nil
	}
	// Encode to a temp name and rename, so a killed ffmpeg never leaves a
	// truncated file at the destination (the clip cache trusts existence).
	tmp := dstPath + ".part"
	args := normalizeArgs(srcPath, tmp, trimSeconds)
	if conforms {
		args = copyTrimArgs(srcPath, tmp, trimSeconds)
	}
	if err := n.tools.runFFmpeg(ctx, args...); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dstPath)
}

const normalizeFilter = "scale=1920:1080:force_original_aspect_ratio=decrease," +
	"pad=1920:1080:(ow-iw)/2:(oh-ih)/2,fps=30,format=yuv420p"

func copyTrimArgs(srcPath, dstPath string, trimSeconds float64) []string {
	args := []string{"-y", "-i", srcPath}
	if trimSeconds > 0 {
		args = append(args, "-t", strconv.FormatFloat(trimSeconds, 'f', 3, 64))
	}
	return append(args, "-an", "-c:v", "copy", "-movflags", "+faststart", dstPath)
}

func normalizeArgs(srcPath, dstPath string, trimSeconds float64) []string {
	args := []string{"-y", "-i", srcPath}
	if trimSeconds > 0 {
		args = append(args, "-t", strconv.FormatFloat(trimSeconds, 'f', 3, 64))
	}
	args = append(args,
		"-vf", normalizeFilter,
		"-an",
		"-c:v", "libx264",
		"-preset", "faster",
		"-crf", "23",
		"-g", "30",
		"-keyint_min", "30",
		"-sc_threshold", "0",
		"-movflags", "+faststart",
		dstPath,
	)
	return args
}
