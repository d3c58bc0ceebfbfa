package media

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
)

// ProbeResult is the parsed ffprobe output for one file.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

type ProbeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type ProbeStream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	PixFmt       string `json:"pix_fmt,omitempty"`
	RFrameRate   string `json:"r_frame_rate,omitempty"`
	AvgFrameRate string `json:"avg_frame_rate,omitempty"`
	SampleRate   string `json:"sample_rate,omitempty"`
	Channels     int    `json:"channels,omitempty"`
	Duration     string `json:"duration,omitempty"`
}

func (r *ProbeResult) DurationSeconds() float64 {
	if r.Format.Duration == "" {
		return 0
	}
	d, err := strconv.ParseFloat(r.Format.Duration, 64)
	if err != nil {
		return 0
	}
	return d
}

func (r *ProbeResult) VideoStream() *ProbeStream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "video" {
			return &r.Streams[i]
		}
	}
	return nil
}

func (r *ProbeResult) AudioStream() *ProbeStream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == "audio" {
			return &r.Streams[i]
		}
	}
	return nil
}

func (s *ProbeStream) Framerate() float64 {
	if s.AvgFrameRate != "" {
		if f := parseFramerate(s.AvgFrameRate); f > 0 {
			return f
		}
	}
	return parseFramerate(s.RFrameRate)
}

// parseFramerate parses a rate like "30000/1001" or "25/1".
func parseFramerate(fr string) float64 {
	if fr == "" {
		return 0
	}
	parts := strings.Split(fr, "/")
	if len(parts) != 2 {
		if f, err := strconv.ParseFloat(fr, 64); err == nil {
			return f
		}
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

// Probe runs ffprobe on a local file.
func (t *Tools) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	cmd := exec.CommandContext(ctx, t.ffprobePath, args...)
	out, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, faults.Wrap(faults.KindInternalMediaError, err, "ffprobe failed for %s", path)
	}
	return ParseProbeOutput(out)
}

func ParseProbeOutput(raw []byte) (*ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	return &result, nil
}

// ProbeAudio validates an uploaded narration file and returns its duration.
// Files without an audio stream are rejected as bad input.
func (t *Tools) ProbeAudio(ctx context.Context, path string) (float64, error) {
	result, err := t.Probe(ctx, path)
	if err != nil {
		return 0, err
	}
	if result.AudioStream() == nil {
		return 0, faults.New(faults.KindBadInput, "no audio stream in %s", path)
	}
	dur := result.DurationSeconds()
	if dur <= 0 {
		return 0, faults.New(faults.KindBadInput, "could not determine audio duration for %s", path)
	}
	return dur, nil
}

// Normalized clip contract. Every clip entering the concat step must match
// exactly, otherwise the stream-copy concat produces a broken file.
const (
	contractWidth  = 1920
	contractHeight = 1080
	contractFPS    = 30.0
	contractCodec  = "h264"
	contractPixFmt = "yuv420p"
)

// CheckNormalized reports the first way a probed file violates the
// normalized clip contract, or nil when it conforms.
func CheckNormalized(r *ProbeResult) error {
	v := r.VideoStream()
	if v == nil {
		return fmt.Errorf("no video stream")
	}
	if v.CodecName != contractCodec {
		return fmt.Errorf("codec %q, want %q", v.CodecName, contractCodec)
	}
	if v.Width != contractWidth || v.Height != contractHeight {
		return fmt.Errorf("resolution %dx%d, want %dx%d", v.Width, v.Height, contractWidth, contractHeight)
	}
	if v.PixFmt != contractPixFmt {
		return fmt.Errorf("pixel format %q, want %q", v.PixFmt, contractPixFmt)
	}
	if fps := v.Framerate(); math.Abs(fps-contractFPS) > 0.05 {
		return fmt.Errorf("framerate %.3f, want %.0f", fps, contractFPS)
	}
	if r.AudioStream() != nil {
		return fmt.Errorf("unexpected audio stream")
	}
	return nil
}
