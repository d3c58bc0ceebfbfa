package services

import (
	"context"
	"fmt"
	"math"
	"testing"
)

func TestPlanSlotsShortAudio(t *testing.T) {
	slots := PlanSlots(9.0)
	if len(slots) != 1 {
		t.Fatalf("expected single slot, got %d", len(slots))
	}
	if slots[0].StartSeconds != 0 || slots[0].DurationSeconds != 9.0 {
		t.Fatalf("unexpected slot: %+v", slots[0])
	}
}

func TestPlanSlotsCoverage(t *testing.T) {
	for _, dur := range []float64{13, 45, 60, 97.3, 300, 600, 1799.5} {
		slots := PlanSlots(dur)
		if len(slots) == 0 {
			t.Fatalf("dur=%v: no slots", dur)
		}
		var covered float64
		prevEnd := 0.0
		for i, s := range slots {
			if s.Index != i {
				t.Fatalf("dur=%v: index mismatch at %d: %+v", dur, i, s)
			}
			if math.Abs(s.StartSeconds-prevEnd) > 1e-6 {
				t.Fatalf("dur=%v: gap before slot %d", dur, i)
			}
			prevEnd = s.StartSeconds + s.DurationSeconds
			covered += s.DurationSeconds
		}
		if math.Abs(covered-dur) > 1e-6 {
			t.Fatalf("dur=%v: covered %v", dur, covered)
		}
		// All but boundary cases should sit near the 8-12s band.
		for _, s := range slots[:len(slots)-1] {
			if s.DurationSeconds < 6.0 || s.DurationSeconds > 13.0 {
				t.Fatalf("dur=%v: slot length out of band: %+v", dur, s)
			}
		}
	}
}

func TestPlanSlotsZero(t *testing.T) {
	if slots := PlanSlots(0); slots != nil {
		t.Fatalf("expected nil for zero duration, got %+v", slots)
	}
}

type stubAI struct {
	json map[string]any
	err  error
}

func (s *stubAI) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	return s.json, s.err
}

func (s *stubAI) GenerateJSONWithImages(ctx context.Context, system, user string, imageDataURLs []string, schemaName string, schema map[string]any) (map[string]any, error) {
	return s.json, s.err
}

func TestQueryPlannerModelPath(t *testing.T) {
	slots := PlanSlots(30)
	rawSlots := make([]any, 0, len(slots))
	for i := range slots {
		rawSlots = append(rawSlots, map[string]any{
			"index": float64(i),
			"query": fmt.Sprintf("misty mountain lake %d", i),
			"tags":  []any{"nature"},
		})
	}
	ai := &stubAI{json: map[string]any{"slots": rawSlots}}

	p, err := NewQueryPlannerService(testLogger(t), ai, []string{"nature", "sky"})
	if err != nil {
		t.Fatalf("NewQueryPlannerService: %v", err)
	}
	got, degraded, err := p.Plan(context.Background(), 30, "a talk", nil)
	if err != nil || degraded {
		t.Fatalf("Plan: degraded=%v err=%v", degraded, err)
	}
	for i, s := range got {
		if s.Query == "" {
			t.Fatalf("slot %d missing query: %+v", i, s)
		}
		if len(s.SemanticTags) != 1 || s.SemanticTags[0] != "nature" {
			t.Fatalf("slot %d tags: %+v", i, s)
		}
	}
}

func TestQueryPlannerFallbackRotation(t *testing.T) {
	ai := &stubAI{err: fmt.Errorf("model down")}
	p, err := NewQueryPlannerService(testLogger(t), ai, []string{"nature", "sky", "ocean"})
	if err != nil {
		t.Fatalf("NewQueryPlannerService: %v", err)
	}

	got, degraded, err := p.Plan(context.Background(), 60, "a talk", nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !degraded {
		t.Fatalf("expected degraded plan")
	}
	for i, s := range got {
		want := []string{"nature", "sky", "ocean"}[i%3]
		if s.Query != want {
			t.Fatalf("slot %d: query=%q want %q", i, s.Query, want)
		}
	}
}

func TestQueryPlannerRejectsBadQueries(t *testing.T) {
	// Queries outside the 3-6 word shape force the fallback.
	slots := PlanSlots(30)
	rawSlots := make([]any, 0, len(slots))
	for i := range slots {
		rawSlots = append(rawSlots, map[string]any{
			"index": float64(i),
			"query": "sky",
			"tags":  []any{},
		})
	}
	ai := &stubAI{json: map[string]any{"slots": rawSlots}}
	p, err := NewQueryPlannerService(testLogger(t), ai, []string{"forest"})
	if err != nil {
		t.Fatalf("NewQueryPlannerService: %v", err)
	}
	got, degraded, err := p.Plan(context.Background(), 30, "a talk", nil)
	if err != nil || !degraded {
		t.Fatalf("expected degraded fallback: degraded=%v err=%v", degraded, err)
	}
	for _, s := range got {
		if s.Query != "forest" {
			t.Fatalf("expected fallback query, got %q", s.Query)
		}
	}
}
