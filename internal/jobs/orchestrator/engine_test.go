package orchestrator

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
)

func TestValidateStages(t *testing.T) {
	good := []Stage{
		{Name: "validate_input", StartPct: 0, EndPct: 5},
		{Name: "transcribe", StartPct: 5, EndPct: 20},
		{Name: "finalize", StartPct: 98, EndPct: 100},
	}
	if err := validateStages(good); err != nil {
		t.Fatalf("valid stages rejected: %v", err)
	}

	bad := [][]Stage{
		{{Name: "", StartPct: 0, EndPct: 5}},
		{{Name: "a", StartPct: 0, EndPct: 5}, {Name: "a", StartPct: 5, EndPct: 10}},
		{{Name: "a", StartPct: 10, EndPct: 5}},
		{{Name: "a", StartPct: 0, EndPct: 120}},
		{{Name: "a", StartPct: 0, EndPct: 50}, {Name: "b", StartPct: 0, EndPct: 40}},
	}
	for i, stages := range bad {
		if err := validateStages(stages); err == nil {
			t.Fatalf("case %d: invalid stages accepted", i)
		}
	}
}

func TestComputeBackoffBounds(t *testing.T) {
	r := RetryPolicy{MinBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second, JitterFrac: 0.2}
	for attempts := 1; attempts <= 8; attempts++ {
		for i := 0; i < 50; i++ {
			d := computeBackoff(r, attempts)
			if d < 0 {
				t.Fatalf("attempt %d: negative backoff %v", attempts, d)
			}
			// cap plus full jitter is the hard ceiling
			if d > 36*time.Second {
				t.Fatalf("attempt %d: backoff %v above jittered cap", attempts, d)
			}
		}
	}

	// early attempts stay near the base
	d := computeBackoff(r, 1)
	if d > 3*time.Second {
		t.Fatalf("first retry backoff too large: %v", d)
	}
}

func TestShouldRetryUsesFaultClassification(t *testing.T) {
	r := RetryPolicy{MaxAttempts: 3}

	retryable := faults.New(faults.KindUpstreamUnavailable, "api down")
	if !shouldRetry(r, 1, retryable) {
		t.Fatalf("retryable fault under budget must retry")
	}
	if shouldRetry(r, 3, retryable) {
		t.Fatalf("attempts at budget must not retry")
	}

	fatal := faults.New(faults.KindBadInput, "no audio")
	if shouldRetry(r, 1, fatal) {
		t.Fatalf("bad_input must not retry")
	}

	if shouldRetry(r, 1, errors.New("plain")) {
		t.Fatalf("unclassified errors must not retry by default")
	}

	custom := RetryPolicy{MaxAttempts: 3, Retryable: func(error) bool { return true }}
	if !shouldRetry(custom, 1, fatal) {
		t.Fatalf("explicit Retryable must override classification")
	}
}

func TestStateRoundTrip(t *testing.T) {
	st := &OrchestratorState{Version: 1}
	ss := st.EnsureStage("plan_queries")
	ss.Status = StageSucceeded
	ss.Outputs["degraded"] = true
	ss.Outputs["slot_count"] = 7
	st.LastProgress = 30

	b, err := json.Marshal(map[string]any{"orchestrator": st})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var probe map[string]any
	if err := json.Unmarshal(b, &probe); err != nil {
		t.Fatalf("unmarshal probe: %v", err)
	}
	inner, _ := json.Marshal(probe["orchestrator"])
	var got OrchestratorState
	if err := json.Unmarshal(inner, &got); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	got.ensure()

	if got.LastProgress != 30 {
		t.Fatalf("last_progress: got %d", got.LastProgress)
	}
	if got.Stages["plan_queries"].Status != StageSucceeded {
		t.Fatalf("stage status lost: %+v", got.Stages["plan_queries"])
	}
	if !got.OutputBool("plan_queries", "degraded") {
		t.Fatalf("bool output lost")
	}
	// numbers come back as float64 after the JSON round trip
	if got.OutputFloat("plan_queries", "slot_count") != 7 {
		t.Fatalf("numeric output lost: %v", got.Stages["plan_queries"].Outputs)
	}
	if got.OutputString("plan_queries", "missing") != "" {
		t.Fatalf("missing output must read as zero value")
	}
}

func TestEnsureStageIdempotent(t *testing.T) {
	st := &OrchestratorState{}
	a := st.EnsureStage("compose_body")
	a.Attempts = 2
	b := st.EnsureStage("compose_body")
	if a != b {
		t.Fatalf("EnsureStage must return the same state")
	}
	if b.Attempts != 2 {
		t.Fatalf("attempts reset by EnsureStage")
	}
}
