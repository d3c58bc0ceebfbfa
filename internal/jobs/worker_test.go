package jobs

import (
	"testing"
	"time"

	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
)

func TestWorkerDeadlineAnchoredToFirstStart(t *testing.T) {
	w := &Worker{jobDeadline: 45 * time.Minute}

	// A requeued job keeps the deadline from its first start, however
	// many times it has been claimed since.
	started := time.Now().Add(-30 * time.Minute)
	job := &types.RenderJob{StartedAt: &started}
	if got, want := w.deadlineFor(job), started.Add(45*time.Minute); !got.Equal(want) {
		t.Fatalf("deadline: got %v want %v", got, want)
	}

	// A job never run before gets the full budget from now.
	before := time.Now()
	got := w.deadlineFor(&types.RenderJob{})
	after := time.Now()
	if got.Before(before.Add(45*time.Minute)) || got.After(after.Add(45*time.Minute)) {
		t.Fatalf("fresh deadline out of range: %v", got)
	}
}
