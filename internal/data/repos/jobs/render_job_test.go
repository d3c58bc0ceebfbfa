package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/data/repos/testutil"
	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
)

func TestRenderJobRepoClaimNextRunnable(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewRenderJobRepo(db, testutil.Logger(t))

	tenant := uuid.New()
	older := testutil.SeedJob(t, ctx, tx, tenant)
	newer := testutil.SeedJob(t, ctx, tx, tenant)

	// Force a deterministic order.
	if err := tx.Model(&types.RenderJob{}).Where("id = ?", older.ID).
		Update("created_at", time.Now().Add(-time.Hour)).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(dbc, 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if claimed == nil || claimed.ID != older.ID {
		t.Fatalf("expected oldest queued job %s, got %+v", older.ID, claimed)
	}
	if claimed.Status != types.JobStatusRunning || claimed.StartedAt == nil {
		t.Fatalf("claim did not mark the returned row: %+v", claimed)
	}

	got, err := repo.GetByID(dbc, older.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.JobStatusRunning || got.Attempts != 1 || got.HeartbeatAt == nil {
		t.Fatalf("claim did not mark running: status=%s attempts=%d", got.Status, got.Attempts)
	}
	if got.StartedAt == nil {
		t.Fatalf("claim must stamp started_at")
	}
	firstStart := *got.StartedAt

	// Second claim picks the remaining queued job.
	claimed2, err := repo.ClaimNextRunnable(dbc, 10*time.Minute)
	if err != nil {
		t.Fatalf("second ClaimNextRunnable: %v", err)
	}
	if claimed2 == nil || claimed2.ID != newer.ID {
		t.Fatalf("expected %s, got %+v", newer.ID, claimed2)
	}

	// Nothing runnable left.
	claimed3, err := repo.ClaimNextRunnable(dbc, 10*time.Minute)
	if err != nil {
		t.Fatalf("third ClaimNextRunnable: %v", err)
	}
	if claimed3 != nil {
		t.Fatalf("expected no claim, got %+v", claimed3)
	}

	// Failed is terminal: never claimed again, whatever the budget says.
	if err := repo.UpdateFields(dbc, older.ID, map[string]interface{}{
		"status":        types.JobStatusFailed,
		"attempts":      1,
		"last_error_at": time.Now().Add(-2 * time.Hour),
	}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if c, err := repo.ClaimNextRunnable(dbc, 10*time.Minute); err != nil || c != nil {
		t.Fatalf("failed job must stay down: c=%+v err=%v", c, err)
	}

	// A requeue keeps the original started_at: the deadline runs from the
	// first start, not the latest claim.
	if err := repo.UpdateFields(dbc, older.ID, map[string]interface{}{
		"status": types.JobStatusQueued,
	}); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	reclaimed, err := repo.ClaimNextRunnable(dbc, 10*time.Minute)
	if err != nil || reclaimed == nil || reclaimed.ID != older.ID {
		t.Fatalf("reclaim: %+v err=%v", reclaimed, err)
	}
	got, _ = repo.GetByID(dbc, older.ID)
	if got.StartedAt == nil || !got.StartedAt.Equal(firstStart) {
		t.Fatalf("started_at moved on reclaim: %v want %v", got.StartedAt, firstStart)
	}
}

func TestRenderJobRepoStaleRunningReclaim(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewRenderJobRepo(db, testutil.Logger(t))

	job := testutil.SeedJob(t, ctx, tx, uuid.New())
	stale := time.Now().Add(-30 * time.Minute)
	if err := repo.UpdateFields(dbc, job.ID, map[string]interface{}{
		"status":       types.JobStatusRunning,
		"heartbeat_at": stale,
	}); err != nil {
		t.Fatalf("mark stale running: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(dbc, 10*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("expected stale running job to be reclaimed, got %+v", claimed)
	}

	// A fresh heartbeat protects the job.
	if err := repo.Heartbeat(dbc, job.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if c, err := repo.ClaimNextRunnable(dbc, 10*time.Minute); err != nil || c != nil {
		t.Fatalf("expected no claim after heartbeat: c=%+v err=%v", c, err)
	}
}

func TestRenderJobRepoTerminalGuard(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewRenderJobRepo(db, testutil.Logger(t))

	job := testutil.SeedJob(t, ctx, tx, uuid.New())

	ok, err := repo.UpdateFieldsUnlessStatus(dbc, job.ID,
		[]string{types.JobStatusSucceeded, types.JobStatusFailed, types.JobStatusCancelled},
		map[string]interface{}{"progress": 40})
	if err != nil || !ok {
		t.Fatalf("guarded update on queued job: ok=%v err=%v", ok, err)
	}

	if err := repo.UpdateFields(dbc, job.ID, map[string]interface{}{"status": types.JobStatusSucceeded}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	ok, err = repo.UpdateFieldsUnlessStatus(dbc, job.ID,
		[]string{types.JobStatusSucceeded, types.JobStatusFailed, types.JobStatusCancelled},
		map[string]interface{}{"progress": 99})
	if err != nil {
		t.Fatalf("guarded update err: %v", err)
	}
	if ok {
		t.Fatalf("terminal job should reject updates")
	}
	got, err := repo.GetByID(dbc, job.ID)
	if err != nil || got.Progress != 40 {
		t.Fatalf("terminal job mutated: progress=%d err=%v", got.Progress, err)
	}
}

func TestRenderJobRepoRequestCancel(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewRenderJobRepo(db, testutil.Logger(t))

	queued := testutil.SeedJob(t, ctx, tx, uuid.New())
	ok, err := repo.RequestCancel(dbc, queued.ID)
	if err != nil || !ok {
		t.Fatalf("RequestCancel queued: ok=%v err=%v", ok, err)
	}
	got, _ := repo.GetByID(dbc, queued.ID)
	if got.Status != types.JobStatusCancelled || !got.CancelRequested {
		t.Fatalf("queued job not cancelled in place: %+v", got)
	}

	running := testutil.SeedJob(t, ctx, tx, uuid.New())
	if err := repo.UpdateFields(dbc, running.ID, map[string]interface{}{"status": types.JobStatusRunning}); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	ok, err = repo.RequestCancel(dbc, running.ID)
	if err != nil || !ok {
		t.Fatalf("RequestCancel running: ok=%v err=%v", ok, err)
	}
	got, _ = repo.GetByID(dbc, running.ID)
	if got.Status != types.JobStatusRunning || !got.CancelRequested {
		t.Fatalf("running job should only be flagged: %+v", got)
	}

	// Terminal jobs cannot be cancelled.
	ok, err = repo.RequestCancel(dbc, queued.ID)
	if err != nil || ok {
		t.Fatalf("cancel of cancelled job: ok=%v err=%v", ok, err)
	}
}

func TestRenderJobRepoRecentSucceededIDs(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewRenderJobRepo(db, testutil.Logger(t))

	tenant := uuid.New()
	var want []uuid.UUID
	for i := 0; i < 3; i++ {
		j := testutil.SeedJob(t, ctx, tx, tenant)
		done := time.Now().Add(-time.Duration(i) * time.Hour)
		if err := repo.UpdateFields(dbc, j.ID, map[string]interface{}{
			"status":       types.JobStatusSucceeded,
			"completed_at": done,
		}); err != nil {
			t.Fatalf("mark succeeded: %v", err)
		}
		want = append(want, j.ID)
	}
	// One failed job must not appear.
	failed := testutil.SeedJob(t, ctx, tx, tenant)
	if err := repo.UpdateFields(dbc, failed.ID, map[string]interface{}{
		"status":       types.JobStatusFailed,
		"completed_at": time.Now(),
	}); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	ids, err := repo.RecentSucceededIDs(dbc, tenant, 2)
	if err != nil {
		t.Fatalf("RecentSucceededIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != want[0] || ids[1] != want[1] {
		t.Fatalf("unexpected ids: %v want prefix of %v", ids, want)
	}
}

func TestRenderJobRepoSweepable(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewRenderJobRepo(db, testutil.Logger(t))

	tenant := uuid.New()
	old := testutil.SeedJob(t, ctx, tx, tenant)
	if err := repo.UpdateFields(dbc, old.ID, map[string]interface{}{
		"status":       types.JobStatusFailed,
		"completed_at": time.Now().Add(-48 * time.Hour),
	}); err != nil {
		t.Fatalf("mark old failed: %v", err)
	}
	fresh := testutil.SeedJob(t, ctx, tx, tenant)
	if err := repo.UpdateFields(dbc, fresh.ID, map[string]interface{}{
		"status":       types.JobStatusFailed,
		"completed_at": time.Now(),
	}); err != nil {
		t.Fatalf("mark fresh failed: %v", err)
	}

	rows, err := repo.ListSweepable(dbc, 24*time.Hour, 10)
	if err != nil {
		t.Fatalf("ListSweepable: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != old.ID {
		t.Fatalf("expected only the old failed job, got %d rows", len(rows))
	}

	if err := repo.MarkSwept(dbc, old.ID); err != nil {
		t.Fatalf("MarkSwept: %v", err)
	}
	rows, err = repo.ListSweepable(dbc, 24*time.Hour, 10)
	if err != nil || len(rows) != 0 {
		t.Fatalf("swept job listed again: rows=%d err=%v", len(rows), err)
	}
}
