package services

import (
	"strings"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

const (
	mergeMaxSeconds = 6.0
	mergeMaxChars   = 40
)

// SubtitleProcessorService cleans a raw transcript for display: it applies
// the tenant's replacement dictionary, merges fragments that fit on one
// caption, trims whitespace and drops empty segments. Applying it twice
// yields the same output.
type SubtitleProcessorService interface {
	Process(segments []*types.SubtitleSegment, dictionary []*types.ReplacementEntry) ([]*types.SubtitleSegment, map[string]int)
}

type subtitleProcessorService struct {
	log *logger.Logger
}

func NewSubtitleProcessorService(log *logger.Logger) (SubtitleProcessorService, error) {
	return &subtitleProcessorService{log: log.With("service", "SubtitleProcessorService")}, nil
}

func (s *subtitleProcessorService) Process(segments []*types.SubtitleSegment, dictionary []*types.ReplacementEntry) ([]*types.SubtitleSegment, map[string]int) {
	counts := map[string]int{}

	byToken := make(map[string]string, len(dictionary))
	for _, e := range dictionary {
		if e != nil && e.OriginalToken != "" {
			byToken[e.OriginalToken] = e.ReplacementToken
		}
	}

	var cleaned []*types.SubtitleSegment
	for _, seg := range segments {
		if seg == nil {
			continue
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if len(byToken) > 0 {
			text = replaceTokens(text, byToken, counts)
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
		}
		copySeg := *seg
		copySeg.Text = text
		cleaned = append(cleaned, &copySeg)
	}

	merged := mergeAdjacent(cleaned)
	for i, seg := range merged {
		seg.Index = i
	}
	return merged, counts
}

// replaceTokens swaps whole whitespace-delimited tokens, preserving leading
// and trailing punctuation around the matched core. Matching is
// case-sensitive.
func replaceTokens(text string, byToken map[string]string, counts map[string]int) string {
	fields := strings.Fields(text)
	for i, f := range fields {
		core, prefix, suffix := splitPunctuation(f)
		if core == "" {
			continue
		}
		if repl, ok := byToken[core]; ok {
			fields[i] = prefix + repl + suffix
			counts[core]++
		}
	}
	return strings.Join(fields, " ")
}

func splitPunctuation(token string) (core, prefix, suffix string) {
	start := 0
	end := len(token)
	for start < end && isPunct(token[start]) {
		start++
	}
	for end > start && isPunct(token[end-1]) {
		end--
	}
	return token[start:end], token[:start], token[end:]
}

func isPunct(b byte) bool {
	switch b {
	case '.', ',', '?', '!', ';', ':', '"', '\'', '(', ')', '[', ']':
		return true
	}
	return false
}

// mergeAdjacent joins neighboring segments while the combined span stays
// within one caption's time and width budget.
func mergeAdjacent(segments []*types.SubtitleSegment) []*types.SubtitleSegment {
	var out []*types.SubtitleSegment
	for _, seg := range segments {
		if len(out) > 0 {
			prev := out[len(out)-1]
			combinedLen := prev.EndSeconds - prev.StartSeconds + (seg.EndSeconds - seg.StartSeconds)
			combinedText := prev.Text + " " + seg.Text
			if seg.EndSeconds-prev.StartSeconds <= mergeMaxSeconds &&
				combinedLen <= mergeMaxSeconds &&
				len([]rune(combinedText)) <= mergeMaxChars {
				prev.EndSeconds = seg.EndSeconds
				prev.Text = combinedText
				continue
			}
		}
		out = append(out, seg)
	}
	return out
}
