package subtitles

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/data/repos/testutil"
	types "github.com/Giwoong-ryu/qt-make-sub000/internal/domain"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
)

func TestSubtitleSegmentRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewSubtitleSegmentRepo(db, testutil.Logger(t))

	job := testutil.SeedJob(t, ctx, tx, uuid.New())

	rows := []*types.SubtitleSegment{
		{ID: uuid.New(), JobID: job.ID, Index: 1, StartSeconds: 2.0, EndSeconds: 4.5, Text: "second"},
		{ID: uuid.New(), JobID: job.ID, Index: 0, StartSeconds: 0.0, EndSeconds: 1.8, Text: "first"},
	}
	if _, err := repo.Create(dbc, rows); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByJobID(dbc, job.ID)
	if err != nil {
		t.Fatalf("GetByJobID: %v", err)
	}
	if len(got) != 2 || got[0].Text != "first" || got[1].Text != "second" {
		t.Fatalf("expected index order, got %+v", got)
	}

	// Replace swaps the whole set.
	replacement := []*types.SubtitleSegment{
		{ID: uuid.New(), JobID: job.ID, Index: 0, StartSeconds: 0.0, EndSeconds: 3.0, Text: "merged"},
	}
	if err := repo.ReplaceForJob(dbc, job.ID, replacement); err != nil {
		t.Fatalf("ReplaceForJob: %v", err)
	}
	got, err = repo.GetByJobID(dbc, job.ID)
	if err != nil || len(got) != 1 || got[0].Text != "merged" {
		t.Fatalf("after replace: err=%v got=%+v", err, got)
	}

	if err := repo.DeleteByJobID(dbc, job.ID); err != nil {
		t.Fatalf("DeleteByJobID: %v", err)
	}
	got, err = repo.GetByJobID(dbc, job.ID)
	if err != nil || len(got) != 0 {
		t.Fatalf("after delete: err=%v len=%d", err, len(got))
	}
}

func TestSubtitleSegmentRepoAssignsIDs(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewSubtitleSegmentRepo(db, testutil.Logger(t))

	job := testutil.SeedJob(t, ctx, tx, uuid.New())

	// Callers build transcript rows without ids; the repo must fill them.
	rows := []*types.SubtitleSegment{
		{JobID: job.ID, Index: 0, StartSeconds: 0.0, EndSeconds: 2.0, Text: "one"},
		{JobID: job.ID, Index: 1, StartSeconds: 2.0, EndSeconds: 4.0, Text: "two"},
	}
	if err := repo.ReplaceForJob(dbc, job.ID, rows); err != nil {
		t.Fatalf("ReplaceForJob: %v", err)
	}
	got, err := repo.GetByJobID(dbc, job.ID)
	if err != nil || len(got) != 2 {
		t.Fatalf("GetByJobID: err=%v len=%d", err, len(got))
	}
	if got[0].ID == uuid.Nil || got[1].ID == uuid.Nil || got[0].ID == got[1].ID {
		t.Fatalf("ids not assigned: %s %s", got[0].ID, got[1].ID)
	}

	if _, err := repo.Create(dbc, []*types.SubtitleSegment{
		{JobID: job.ID, Index: 2, StartSeconds: 4.0, EndSeconds: 6.0, Text: "three"},
	}); err != nil {
		t.Fatalf("Create without id: %v", err)
	}
}

func TestReplacementRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewReplacementRepo(db, testutil.Logger(t))

	tenant := uuid.New()

	if _, err := repo.Upsert(dbc, &types.ReplacementEntry{
		TenantID: tenant, OriginalToken: "Jesu", ReplacementToken: "Jesus",
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Upsert on the same token updates the replacement.
	if _, err := repo.Upsert(dbc, &types.ReplacementEntry{
		TenantID: tenant, OriginalToken: "Jesu", ReplacementToken: "Jesus Christ",
	}); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	if _, err := repo.Upsert(dbc, &types.ReplacementEntry{
		TenantID: tenant, OriginalToken: "pslam", ReplacementToken: "psalm",
	}); err != nil {
		t.Fatalf("Upsert second: %v", err)
	}

	list, err := repo.ListByTenant(dbc, tenant)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListByTenant: err=%v len=%d", err, len(list))
	}
	if list[0].OriginalToken != "Jesu" || list[0].ReplacementToken != "Jesus Christ" {
		t.Fatalf("upsert did not update: %+v", list[0])
	}

	if err := repo.IncrementUseCounts(dbc, tenant, map[string]int{"Jesu": 3, "missing": 1}); err != nil {
		t.Fatalf("IncrementUseCounts: %v", err)
	}
	list, _ = repo.ListByTenant(dbc, tenant)
	if list[0].UseCount != 3 || list[1].UseCount != 0 {
		t.Fatalf("use counts: %d %d", list[0].UseCount, list[1].UseCount)
	}

	if err := repo.DeleteByTokens(dbc, tenant, []string{"pslam"}); err != nil {
		t.Fatalf("DeleteByTokens: %v", err)
	}
	list, _ = repo.ListByTenant(dbc, tenant)
	if len(list) != 1 {
		t.Fatalf("after delete: len=%d", len(list))
	}
}
