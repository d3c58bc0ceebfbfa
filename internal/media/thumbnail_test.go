package media

import (
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

func testLogger(tb testing.TB) *logger.Logger {
	tb.Helper()
	log, err := logger.New("test")
	if err != nil {
		tb.Fatalf("logger: %v", err)
	}
	return log
}

func TestParseHexColor(t *testing.T) {
	cases := []struct {
		in   string
		want color.RGBA
		ok   bool
	}{
		{"#ffffff", color.RGBA{0xff, 0xff, 0xff, 0xff}, true},
		{"#1a2B3c", color.RGBA{0x1a, 0x2b, 0x3c, 0xff}, true},
		{"#fff", color.RGBA{0xff, 0xff, 0xff, 0xff}, true},
		{"#000", color.RGBA{0, 0, 0, 0xff}, true},
		{"ffffff", color.RGBA{}, false},
		{"#gggggg", color.RGBA{}, false},
		{"#ffff", color.RGBA{}, false},
		{"", color.RGBA{}, false},
	}
	for _, tc := range cases {
		got, err := parseHexColor(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("parseHexColor(%q): err=%v", tc.in, err)
		}
		if tc.ok && got != tc.want {
			t.Fatalf("parseHexColor(%q): got %v want %v", tc.in, got, tc.want)
		}
	}
}

func TestRenderStill(t *testing.T) {
	r := NewRenderer(testLogger(t))
	out := filepath.Join(t.TempDir(), "intro.png")

	err := r.RenderStill(StillRequest{
		BackgroundColor: "#123456",
		Boxes: []types.TextBox{
			{Field: "title", X: 200, Y: 400, Width: 1520, FontSize: 72, Color: "#ffffff", Align: "center"},
			{Field: "verse", X: 200, Y: 600, Width: 1520, FontSize: 40, Color: "bad-color"},
			{Field: "missing", X: 0, Y: 0, FontSize: 40, Color: "#ffffff"},
		},
		Fields: map[string]string{
			"title": "새벽 묵상",
			"verse": "시편 23편",
		},
		OutPath: out,
	})
	if err != nil {
		t.Fatalf("RenderStill: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open still: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode still: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != stillWidth || bounds.Dy() != stillHeight {
		t.Fatalf("still size %dx%d, want %dx%d", bounds.Dx(), bounds.Dy(), stillWidth, stillHeight)
	}
}

func TestGGAlign(t *testing.T) {
	if ggAlign("center") == ggAlign("left") || ggAlign("right") == ggAlign("left") {
		t.Fatalf("alignments must be distinct")
	}
	if ggAlign("unknown") != ggAlign("left") {
		t.Fatalf("unknown alignment must default to left")
	}
}

func TestNormalizeArgs(t *testing.T) {
	withTrim := normalizeArgs("src.mp4", "dst.mp4", 9.5)
	foundTrim := false
	for i, a := range withTrim {
		if a == "-t" && i+1 < len(withTrim) && withTrim[i+1] == "9.500" {
			foundTrim = true
		}
	}
	if !foundTrim {
		t.Fatalf("trim args missing: %v", withTrim)
	}

	noTrim := normalizeArgs("src.mp4", "dst.mp4", 0)
	for _, a := range noTrim {
		if a == "-t" {
			t.Fatalf("zero trim must not limit duration: %v", noTrim)
		}
	}
	joined := ""
	for _, a := range noTrim {
		joined += a + " "
	}
	for _, want := range []string{"-an", "libx264", "-crf", "faster"} {
		found := false
		for _, a := range noTrim {
			if a == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("normalize args missing %q: %s", want, joined)
		}
	}
}
