package services

import (
	"fmt"
	"strings"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
)

// FormatSRT renders segments as an SRT document: UTF-8, LF line endings,
// cues numbered from 1, timestamps as HH:MM:SS,mmm.
func FormatSRT(segments []*types.SubtitleSegment) string {
	var b strings.Builder
	cue := 1
	for _, seg := range segments {
		if seg == nil || strings.TrimSpace(seg.Text) == "" {
			continue
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			cue,
			srtTimestamp(seg.StartSeconds),
			srtTimestamp(seg.EndSeconds),
			strings.TrimSpace(seg.Text),
		)
		cue++
	}
	return b.String()
}

func srtTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(seconds*1000 + 0.5)
	h := ms / 3600000
	ms -= h * 3600000
	m := ms / 60000
	ms -= m * 60000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
