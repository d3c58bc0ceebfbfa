package services

import (
	"testing"

	"github.com/google/uuid"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
)

func seg(idx int, start, end float64, text string) *types.SubtitleSegment {
	return &types.SubtitleSegment{
		ID:           uuid.New(),
		JobID:        uuid.Nil,
		Index:        idx,
		StartSeconds: start,
		EndSeconds:   end,
		Text:         text,
	}
}

func newProcessor(t *testing.T) SubtitleProcessorService {
	t.Helper()
	p, err := NewSubtitleProcessorService(testLogger(t))
	if err != nil {
		t.Fatalf("NewSubtitleProcessorService: %v", err)
	}
	return p
}

func TestSubtitleProcessorReplacements(t *testing.T) {
	p := newProcessor(t)

	dict := []*types.ReplacementEntry{
		{OriginalToken: "Jesu", ReplacementToken: "Jesus"},
		{OriginalToken: "pslam", ReplacementToken: "psalm"},
	}
	segs := []*types.SubtitleSegment{
		seg(0, 0, 3, "Jesu spoke of the pslam,"),
		seg(1, 10, 13, "and jesu listened"),
	}

	got, counts := p.Process(segs, dict)
	if len(got) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(got))
	}
	if got[0].Text != "Jesus spoke of the psalm," {
		t.Fatalf("replacement failed: %q", got[0].Text)
	}
	// Matching is case-sensitive: lowercase "jesu" is untouched.
	if got[1].Text != "and jesu listened" {
		t.Fatalf("case-insensitive match applied: %q", got[1].Text)
	}
	if counts["Jesu"] != 1 || counts["pslam"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestSubtitleProcessorMergeAndClean(t *testing.T) {
	p := newProcessor(t)

	segs := []*types.SubtitleSegment{
		seg(0, 0, 1.5, "  hold fast "),
		seg(1, 1.6, 3.0, "to hope"),
		seg(2, 3.1, 4.0, "   "),
		seg(3, 20.0, 27.0, "this one is far too long to merge with anything"),
		seg(4, 27.1, 28.0, "amen"),
	}

	got, _ := p.Process(segs, nil)
	if len(got) != 3 {
		t.Fatalf("expected 3 segments, got %d: %+v", len(got), got)
	}
	if got[0].Text != "hold fast to hope" {
		t.Fatalf("merge failed: %q", got[0].Text)
	}
	if got[0].StartSeconds != 0 || got[0].EndSeconds != 3.0 {
		t.Fatalf("merged bounds wrong: %+v", got[0])
	}
	for i, s := range got {
		if s.Index != i {
			t.Fatalf("indices not renumbered: %+v", got)
		}
	}
}

func TestSubtitleProcessorIdempotent(t *testing.T) {
	p := newProcessor(t)

	dict := []*types.ReplacementEntry{{OriginalToken: "Jesu", ReplacementToken: "Jesus"}}
	segs := []*types.SubtitleSegment{
		seg(0, 0, 1.5, "Jesu wept"),
		seg(1, 1.6, 3.0, "and prayed"),
	}

	once, _ := p.Process(segs, dict)
	twice, counts := p.Process(once, dict)
	if len(once) != len(twice) {
		t.Fatalf("length changed on second pass: %d vs %d", len(once), len(twice))
	}
	for i := range once {
		if once[i].Text != twice[i].Text ||
			once[i].StartSeconds != twice[i].StartSeconds ||
			once[i].EndSeconds != twice[i].EndSeconds {
			t.Fatalf("second pass changed segment %d: %+v vs %+v", i, once[i], twice[i])
		}
	}
	if counts["Jesu"] != 0 {
		t.Fatalf("second pass should find nothing to replace: %v", counts)
	}
}

func TestFormatSRT(t *testing.T) {
	segs := []*types.SubtitleSegment{
		seg(0, 0, 2.5, "first line"),
		seg(1, 61.25, 63.0, "second line"),
		seg(2, 63.5, 64.0, "   "),
	}
	got := FormatSRT(segs)
	want := "1\n00:00:00,000 --> 00:00:02,500\nfirst line\n\n" +
		"2\n00:01:01,250 --> 00:01:03,000\nsecond line\n\n"
	if got != want {
		t.Fatalf("unexpected SRT:\n%q\nwant:\n%q", got, want)
	}
}
