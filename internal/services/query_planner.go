package services

import (
	"context"
	"fmt"
	"math"
	"strings"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
)

const (
	slotMeanMin  = 8.0
	slotMeanMax  = 12.0
	slotMeanStep = 0.5
)

// QueryPlannerService divides the output timeline into clip slots and
// assigns each slot a stock-footage search query drawn from the transcript.
// When the language model cannot help, the configured fallback rotation is
// used instead and the plan is marked degraded.
type QueryPlannerService interface {
	Plan(ctx context.Context, durationSeconds float64, title string, segments []*types.SubtitleSegment) ([]types.ClipSlot, bool, error)
}

type queryPlannerService struct {
	log             *logger.Logger
	ai              OpenAIClient
	fallbackQueries []string
}

func NewQueryPlannerService(log *logger.Logger, ai OpenAIClient, fallbackQueries []string) (QueryPlannerService, error) {
	if len(fallbackQueries) == 0 {
		return nil, fmt.Errorf("fallbackQueries required")
	}
	return &queryPlannerService{
		log:             log.With("service", "QueryPlannerService"),
		ai:              ai,
		fallbackQueries: fallbackQueries,
	}, nil
}

// PlanSlots splits the duration into equal slots whose target length is the
// mean in [8s, 12s] that divides the duration most evenly. The scan runs in
// half-second steps and minimizes the leftover against a whole number of
// slots.
func PlanSlots(durationSeconds float64) []types.ClipSlot {
	if durationSeconds <= 0 {
		return nil
	}
	if durationSeconds <= slotMeanMax {
		return []types.ClipSlot{{Index: 0, StartSeconds: 0, DurationSeconds: durationSeconds}}
	}

	bestMean := slotMeanMin
	bestRemainder := math.MaxFloat64
	for mean := slotMeanMin; mean <= slotMeanMax+1e-9; mean += slotMeanStep {
		count := math.Ceil(durationSeconds / mean)
		remainder := math.Abs(durationSeconds - count*mean)
		if remainder < bestRemainder {
			bestRemainder = remainder
			bestMean = mean
		}
	}

	count := int(math.Ceil(durationSeconds / bestMean))
	slotDur := durationSeconds / float64(count)
	slots := make([]types.ClipSlot, count)
	for i := range slots {
		slots[i] = types.ClipSlot{
			Index:           i,
			StartSeconds:    float64(i) * slotDur,
			DurationSeconds: slotDur,
		}
	}
	// Absorb float drift into the last slot so the plan covers the full
	// duration exactly.
	last := &slots[count-1]
	last.DurationSeconds = durationSeconds - last.StartSeconds
	return slots
}

func (s *queryPlannerService) Plan(ctx context.Context, durationSeconds float64, title string, segments []*types.SubtitleSegment) ([]types.ClipSlot, bool, error) {
	slots := PlanSlots(durationSeconds)
	if len(slots) == 0 {
		return nil, false, fmt.Errorf("cannot plan slots for duration %.2fs", durationSeconds)
	}

	queried, err := s.queryWithModel(ctx, slots, title, segments)
	if err == nil {
		return queried, false, nil
	}
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}

	s.log.Warn("Query generation failed, falling back to static rotation", "error", err)
	for i := range slots {
		slots[i].Query = s.fallbackQueries[i%len(s.fallbackQueries)]
	}
	return slots, true, nil
}

func (s *queryPlannerService) queryWithModel(ctx context.Context, slots []types.ClipSlot, title string, segments []*types.SubtitleSegment) ([]types.ClipSlot, error) {
	if s.ai == nil {
		return nil, fmt.Errorf("no model client configured")
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Talk title: %s\n\n", title)
	prompt.WriteString("For each time slot below, write one stock footage search query: a concrete visual noun phrase of 3 to 6 words. Prefer calm nature and scenery imagery that fits the spoken content. Never name people, brands or text.\n\n")
	for _, slot := range slots {
		fmt.Fprintf(&prompt, "Slot %d (%.0fs-%.0fs): %s\n",
			slot.Index,
			slot.StartSeconds,
			slot.StartSeconds+slot.DurationSeconds,
			transcriptNear(segments, slot.StartSeconds, slot.StartSeconds+slot.DurationSeconds),
		)
	}

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"slots": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"index": map[string]any{"type": "integer"},
						"query": map[string]any{"type": "string"},
						"tags": map[string]any{
							"type":  "array",
							"items": map[string]any{"type": "string"},
						},
					},
					"required":             []string{"index", "query", "tags"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"slots"},
		"additionalProperties": false,
	}

	obj, err := s.ai.GenerateJSON(ctx,
		"You translate devotional talk transcripts into stock footage search queries.",
		prompt.String(), "clip_slot_queries", schema)
	if err != nil {
		return nil, FaultFromOpenAI(err, "plan clip queries")
	}

	out := make([]types.ClipSlot, len(slots))
	copy(out, slots)

	rawSlots, _ := obj["slots"].([]any)
	assigned := 0
	for _, raw := range rawSlots {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		idxF, _ := m["index"].(float64)
		idx := int(idxF)
		query, _ := m["query"].(string)
		query = strings.TrimSpace(query)
		if idx < 0 || idx >= len(out) || !validQuery(query) {
			continue
		}
		out[idx].Query = query
		if tags, ok := m["tags"].([]any); ok {
			for _, t := range tags {
				if ts, ok := t.(string); ok && strings.TrimSpace(ts) != "" {
					out[idx].SemanticTags = append(out[idx].SemanticTags, strings.TrimSpace(ts))
				}
			}
		}
		assigned++
	}
	if assigned < len(out) {
		return nil, fmt.Errorf("model assigned %d of %d slot queries", assigned, len(out))
	}
	return out, nil
}

// validQuery enforces the noun phrase shape: 3 to 6 words.
func validQuery(q string) bool {
	n := len(strings.Fields(q))
	return n >= 3 && n <= 6
}

func transcriptNear(segments []*types.SubtitleSegment, start, end float64) string {
	var parts []string
	for _, seg := range segments {
		if seg == nil {
			continue
		}
		if seg.EndSeconds < start || seg.StartSeconds > end {
			continue
		}
		parts = append(parts, seg.Text)
	}
	if len(parts) == 0 {
		return "(silence)"
	}
	joined := strings.Join(parts, " ")
	const maxLen = 400
	if len(joined) > maxLen {
		joined = joined[:maxLen]
	}
	return joined
}
