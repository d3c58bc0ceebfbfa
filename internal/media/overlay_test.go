package media

import (
	"strings"
	"testing"
)

func TestDuckExpr(t *testing.T) {
	if got := duckExpr(nil, 3); got != "1" {
		t.Fatalf("no spans: got %q", got)
	}

	spans := []Span{
		{StartSeconds: 0, EndSeconds: 4.5},
		{StartSeconds: 5.2, EndSeconds: 9},
	}
	got := duckExpr(spans, 3)
	want := "if(between(t,3.00,7.50)+between(t,8.20,12.00),0.501,1)"
	if got != want {
		t.Fatalf("duck expr:\ngot  %q\nwant %q", got, want)
	}
}

func TestOverlayFilterWithoutBGM(t *testing.T) {
	filter := overlayFilter(OverlayRequest{
		BodySeconds:    100,
		IntroImagePath: "/w/intro.png",
		OutroImagePath: "/w/outro.png",
		IntroSeconds:   3,
		OutroSeconds:   3,
	})
	for _, want := range []string{
		"xfade=transition=fade:duration=0.50:offset=2.50[pre]",
		"xfade=transition=fade:duration=0.50:offset=102.00[vout]",
		// The body is on screen from 2.5s, so narration shifts by 2.5s,
		// not the full intro length.
		"[0:a]adelay=2500|2500,apad[aout]",
	} {
		if !strings.Contains(filter, want) {
			t.Fatalf("filter missing %q:\n%s", want, filter)
		}
	}
	if strings.Contains(filter, "amix") {
		t.Fatalf("no music requested, filter must not mix: %s", filter)
	}
}

func TestOverlayFilterWithBGM(t *testing.T) {
	filter := overlayFilter(OverlayRequest{
		BodySeconds:    60,
		IntroImagePath: "/w/intro.png",
		OutroImagePath: "/w/outro.png",
		IntroSeconds:   3,
		OutroSeconds:   3,
		BGMPath:        "/w/bgm.mp3",
		BGMGain:        0.25,
		SubtitleSpans:  []Span{{StartSeconds: 0, EndSeconds: 58}},
	})
	for _, want := range []string{
		"[0:a]adelay=2500|2500[voice]",
		"[3:a]volume=0.250,volume='if(between(t,2.50,60.50),0.501,1)':eval=frame[bgm]",
		"[voice][bgm]amix=inputs=2:duration=longest:normalize=0[aout]",
	} {
		if !strings.Contains(filter, want) {
			t.Fatalf("filter missing %q:\n%s", want, filter)
		}
	}
}

func TestOverlayFilterIntroOnly(t *testing.T) {
	filter := overlayFilter(OverlayRequest{
		BodySeconds:    60,
		IntroImagePath: "/w/intro.png",
		IntroSeconds:   4,
	})
	for _, want := range []string{
		"[1:v]",
		"xfade=transition=fade:duration=0.50:offset=3.50[vout]",
		"[0:a]adelay=3500|3500,apad[aout]",
	} {
		if !strings.Contains(filter, want) {
			t.Fatalf("filter missing %q:\n%s", want, filter)
		}
	}
	if strings.Contains(filter, "[outro]") {
		t.Fatalf("outro disabled, filter must not build it: %s", filter)
	}
}

func TestOverlayFilterOutroOnlyShiftsBGMInput(t *testing.T) {
	filter := overlayFilter(OverlayRequest{
		BodySeconds:    60,
		OutroImagePath: "/w/outro.png",
		OutroSeconds:   5,
		BGMPath:        "/w/bgm.mp3",
		BGMGain:        0.3,
	})
	for _, want := range []string{
		"[0:v][outro]xfade=transition=fade:duration=0.50:offset=59.50[vout]",
		"[0:a]adelay=0|0[voice]",
		"[2:a]volume=0.300",
	} {
		if !strings.Contains(filter, want) {
			t.Fatalf("filter missing %q:\n%s", want, filter)
		}
	}
}

func TestOverlayFilterBothDisabled(t *testing.T) {
	filter := overlayFilter(OverlayRequest{BodySeconds: 60})
	for _, want := range []string{
		"[0:v]null[vout]",
		"[0:a]adelay=0|0,apad[aout]",
	} {
		if !strings.Contains(filter, want) {
			t.Fatalf("filter missing %q:\n%s", want, filter)
		}
	}
	if strings.Contains(filter, "xfade") {
		t.Fatalf("no stills, filter must not crossfade: %s", filter)
	}
}
