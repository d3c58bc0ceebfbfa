package services

import (
	"strings"
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
)

func words(spec ...[3]any) []TimedWord {
	out := make([]TimedWord, 0, len(spec))
	for _, s := range spec {
		out = append(out, TimedWord{
			Word:         s[0].(string),
			StartSeconds: s[1].(float64),
			EndSeconds:   s[2].(float64),
		})
	}
	return out
}

func TestGroupWordsIntoPhrasesEmpty(t *testing.T) {
	if got := GroupWordsIntoPhrases(nil); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestGroupWordsIntoPhrasesGapBreak(t *testing.T) {
	ws := words(
		[3]any{"the", 0.0, 0.4},
		[3]any{"lord", 0.5, 1.0},
		// 1.5s silence gap here
		[3]any{"is", 2.5, 2.8},
		[3]any{"my", 2.9, 3.2},
		[3]any{"shepherd", 3.3, 4.0},
	)
	got := GroupWordsIntoPhrases(ws)
	if len(got) != 2 {
		t.Fatalf("expected 2 phrases, got %d: %+v", len(got), got)
	}
	if got[0].Text != "the lord" || got[1].Text != "is my shepherd" {
		t.Fatalf("unexpected texts: %+v", got)
	}
	if got[0].StartSeconds != 0.0 || got[0].EndSeconds != 1.0 {
		t.Fatalf("phrase 0 bounds: %+v", got[0])
	}
	if got[1].StartSeconds != 2.5 || got[1].EndSeconds != 4.0 {
		t.Fatalf("phrase 1 bounds: %+v", got[1])
	}
}

func TestGroupWordsIntoPhrasesMaxLength(t *testing.T) {
	// Continuous speech with no gaps or punctuation must still split at the
	// six second ceiling.
	var ws []TimedWord
	for i := 0; i < 20; i++ {
		start := float64(i) * 0.5
		ws = append(ws, TimedWord{Word: "word", StartSeconds: start, EndSeconds: start + 0.5})
	}
	got := GroupWordsIntoPhrases(ws)
	if len(got) < 2 {
		t.Fatalf("expected a split, got %d phrases", len(got))
	}
	for _, p := range got {
		if p.EndSeconds-p.StartSeconds > phraseMaxSeconds+0.01 {
			t.Fatalf("phrase too long: %+v", p)
		}
	}
}

func TestGroupWordsIntoPhrasesPunctuationBreak(t *testing.T) {
	ws := words(
		[3]any{"in", 0.0, 0.3},
		[3]any{"the", 0.4, 0.7},
		[3]any{"beginning,", 0.8, 2.4},
		[3]any{"god", 2.5, 2.9},
		[3]any{"created", 3.0, 3.6},
	)
	got := GroupWordsIntoPhrases(ws)
	if len(got) != 2 {
		t.Fatalf("expected punctuation split, got %+v", got)
	}
	if !strings.HasSuffix(got[0].Text, "beginning,") {
		t.Fatalf("first phrase should end at punctuation: %+v", got[0])
	}
}

func TestGroupWordsIntoPhrasesShortPunctuationNoBreak(t *testing.T) {
	// Punctuation inside the first two seconds must not split.
	ws := words(
		[3]any{"yes,", 0.0, 0.5},
		[3]any{"amen", 0.6, 1.2},
	)
	got := GroupWordsIntoPhrases(ws)
	if len(got) != 1 || got[0].Text != "yes, amen" {
		t.Fatalf("expected single phrase, got %+v", got)
	}
}

func TestEncodingForContentType(t *testing.T) {
	cases := []struct {
		ct   string
		want speechpb.RecognitionConfig_AudioEncoding
		ok   bool
	}{
		{"audio/mpeg", speechpb.RecognitionConfig_MP3, true},
		{"audio/mp3; charset=binary", speechpb.RecognitionConfig_MP3, true},
		{"audio/wav", speechpb.RecognitionConfig_LINEAR16, true},
		{"audio/x-m4a", speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, true},
		{"video/mp4", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, err := encodingForContentType(c.ct)
		if c.ok {
			if err != nil || got != c.want {
				t.Fatalf("%q: got %v err %v", c.ct, got, err)
			}
			continue
		}
		if err == nil {
			t.Fatalf("%q: expected error", c.ct)
		}
		if faults.KindOf(err) != faults.KindBadInput {
			t.Fatalf("%q: expected bad_input, got %v", c.ct, faults.KindOf(err))
		}
	}
}
