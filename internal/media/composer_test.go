package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteConcatList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concat.txt")
	clips := []string{"/tmp/work/slot_000.mp4", "/tmp/it's here/slot_001.mp4"}
	if err := writeConcatList(path, clips); err != nil {
		t.Fatalf("writeConcatList: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read concat list: %v", err)
	}
	want := "file '/tmp/work/slot_000.mp4'\n" +
		`file '/tmp/it'\''s here/slot_001.mp4'` + "\n"
	if string(raw) != want {
		t.Fatalf("concat list:\ngot  %q\nwant %q", raw, want)
	}
}

func TestEscapeFilterPath(t *testing.T) {
	got := escapeFilterPath(`/tmp/a:b/c'd,e.srt`)
	want := `/tmp/a\:b/c\'d\,e.srt`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestConcatArgs(t *testing.T) {
	fast := strings.Join(concatArgs("list.txt", "out.mp4", true), " ")
	if !strings.Contains(fast, "-c copy") {
		t.Fatalf("fast path must stream-copy: %s", fast)
	}
	if strings.Contains(fast, "libx264") {
		t.Fatalf("fast path must not re-encode: %s", fast)
	}

	slow := strings.Join(concatArgs("list.txt", "out.mp4", false), " ")
	if strings.Contains(slow, "-c copy") {
		t.Fatalf("slow path must not stream-copy: %s", slow)
	}
	if !strings.Contains(slow, "libx264") || !strings.Contains(slow, normalizeFilter) {
		t.Fatalf("slow path must re-encode through the contract filter: %s", slow)
	}
}

func TestBurnArgs(t *testing.T) {
	args := strings.Join(burnArgs("body_silent.mp4", "voice.mp3", "/w/subs.srt", "body.mp4"), " ")
	for _, want := range []string{
		"subtitles=/w/subs.srt:force_style=",
		"-map 0:v",
		"-map 1:a",
		"-c:a aac",
		"-ar 48000",
	} {
		if !strings.Contains(args, want) {
			t.Fatalf("burn args missing %q: %s", want, args)
		}
	}
}

func TestBurnArgsWithoutSubtitles(t *testing.T) {
	args := strings.Join(burnArgs("body_silent.mp4", "voice.mp3", "", "body.mp4"), " ")
	if strings.Contains(args, "subtitles=") {
		t.Fatalf("empty subtitle path must not burn: %s", args)
	}
	for _, want := range []string{"-map 0:v", "-map 1:a", "-c:a aac"} {
		if !strings.Contains(args, want) {
			t.Fatalf("burn args missing %q: %s", want, args)
		}
	}
}

func TestConsumeProgress(t *testing.T) {
	feed := "frame=10\nout_time_us=2000000\nprogress=continue\n" +
		"out_time_us=1500000\n" + // regressions are dropped
		"out_time_us=5000000\nprogress=continue\n" +
		"out_time_us=99000000\nprogress=end\n"

	var got []float64
	consumeProgress(strings.NewReader(feed), 10, func(frac float64) {
		got = append(got, frac)
	})

	want := []float64{0.2, 0.5, 1}
	if len(got) != len(want) {
		t.Fatalf("progress ticks: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tick %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestConsumeProgressNilCallback(t *testing.T) {
	// Must drain the reader without panicking.
	consumeProgress(strings.NewReader("out_time_us=1000000\n"), 10, nil)
}
