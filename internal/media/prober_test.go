package media

import (
	"strings"
	"testing"
)

const normalizedProbeJSON = `{
  "streams": [
    {
      "index": 0,
      "codec_name": "h264",
      "codec_type": "video",
      "width": 1920,
      "height": 1080,
      "pix_fmt": "yuv420p",
      "r_frame_rate": "30/1",
      "avg_frame_rate": "30/1"
    }
  ],
  "format": {
    "filename": "slot_000.mp4",
    "format_name": "mov,mp4,m4a,3gp,3g2,mj2",
    "duration": "9.500000",
    "size": "1048576",
    "bit_rate": "883011"
  }
}`

func TestParseProbeOutput(t *testing.T) {
	result, err := ParseProbeOutput([]byte(normalizedProbeJSON))
	if err != nil {
		t.Fatalf("ParseProbeOutput: %v", err)
	}
	if got := result.DurationSeconds(); got != 9.5 {
		t.Fatalf("duration: got %v want 9.5", got)
	}
	v := result.VideoStream()
	if v == nil {
		t.Fatalf("no video stream")
	}
	if v.Framerate() != 30 {
		t.Fatalf("framerate: got %v want 30", v.Framerate())
	}
	if result.AudioStream() != nil {
		t.Fatalf("unexpected audio stream")
	}
}

func TestCheckNormalized(t *testing.T) {
	conforming, err := ParseProbeOutput([]byte(normalizedProbeJSON))
	if err != nil {
		t.Fatalf("ParseProbeOutput: %v", err)
	}
	if err := CheckNormalized(conforming); err != nil {
		t.Fatalf("conforming file rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(r *ProbeResult)
		want   string
	}{
		{"wrong codec", func(r *ProbeResult) { r.Streams[0].CodecName = "hevc" }, "codec"},
		{"wrong size", func(r *ProbeResult) { r.Streams[0].Width = 1280 }, "resolution"},
		{"wrong pix_fmt", func(r *ProbeResult) { r.Streams[0].PixFmt = "yuv444p" }, "pixel format"},
		{"wrong fps", func(r *ProbeResult) {
			r.Streams[0].AvgFrameRate = "24/1"
			r.Streams[0].RFrameRate = "24/1"
		}, "framerate"},
		{"has audio", func(r *ProbeResult) {
			r.Streams = append(r.Streams, ProbeStream{Index: 1, CodecType: "audio", CodecName: "aac"})
		}, "audio"},
		{"no video", func(r *ProbeResult) { r.Streams = nil }, "no video"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := ParseProbeOutput([]byte(normalizedProbeJSON))
			tc.mutate(r)
			err := CheckNormalized(r)
			if err == nil {
				t.Fatalf("expected violation")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("violation %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParseFramerate(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"30/1", 30},
		{"30000/1001", 30000.0 / 1001.0},
		{"25", 25},
		{"0/0", 0},
		{"", 0},
		{"junk", 0},
	}
	for _, tc := range cases {
		if got := parseFramerate(tc.in); got != tc.want {
			t.Fatalf("parseFramerate(%q): got %v want %v", tc.in, got, tc.want)
		}
	}
}
