package quota

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/data/repos/testutil"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/dbctx"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/faults"
)

func TestQuotaHoldLifecycle(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewQuotaRepo(db, testutil.Logger(t))

	tenant := uuid.New()
	testutil.SeedQuotaAccount(t, ctx, tx, tenant, 2)

	job1 := uuid.New()
	job2 := uuid.New()
	job3 := uuid.New()

	if err := repo.PlaceHold(dbc, tenant, job1); err != nil {
		t.Fatalf("PlaceHold job1: %v", err)
	}
	// Replayed placement is a no-op.
	if err := repo.PlaceHold(dbc, tenant, job1); err != nil {
		t.Fatalf("PlaceHold job1 replay: %v", err)
	}
	if err := repo.PlaceHold(dbc, tenant, job2); err != nil {
		t.Fatalf("PlaceHold job2: %v", err)
	}

	// Limit reached: used(0) + holds(2) >= 2.
	err := repo.PlaceHold(dbc, tenant, job3)
	if faults.KindOf(err) != faults.KindQuotaExceeded {
		t.Fatalf("expected quota_exceeded, got %v", err)
	}

	acct, err := repo.GetAccount(dbc, tenant)
	if err != nil || acct == nil {
		t.Fatalf("GetAccount: acct=%v err=%v", acct, err)
	}
	if acct.Used != 0 || acct.Holds != 2 {
		t.Fatalf("unexpected account state: used=%d holds=%d", acct.Used, acct.Holds)
	}

	// Commit one, release the other.
	if err := repo.CommitHold(dbc, tenant, job1); err != nil {
		t.Fatalf("CommitHold: %v", err)
	}
	if err := repo.CommitHold(dbc, tenant, job1); err != nil {
		t.Fatalf("CommitHold replay: %v", err)
	}
	if err := repo.ReleaseHold(dbc, tenant, job2); err != nil {
		t.Fatalf("ReleaseHold: %v", err)
	}
	// Releasing a committed hold must not refund it.
	if err := repo.ReleaseHold(dbc, tenant, job1); err != nil {
		t.Fatalf("ReleaseHold committed: %v", err)
	}

	acct, _ = repo.GetAccount(dbc, tenant)
	if acct.Used != 1 || acct.Holds != 0 {
		t.Fatalf("after resolve: used=%d holds=%d", acct.Used, acct.Holds)
	}

	// One slot remains.
	if err := repo.PlaceHold(dbc, tenant, job3); err != nil {
		t.Fatalf("PlaceHold job3: %v", err)
	}
	if err := repo.PlaceHold(dbc, tenant, uuid.New()); faults.KindOf(err) != faults.KindQuotaExceeded {
		t.Fatalf("expected quota_exceeded on full budget, got %v", err)
	}
}

func TestQuotaAccountCreatedOnFirstHold(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewQuotaRepo(db, testutil.Logger(t))

	tenant := uuid.New()
	if err := repo.PlaceHold(dbc, tenant, uuid.New()); err != nil {
		t.Fatalf("PlaceHold on fresh tenant: %v", err)
	}
	acct, err := repo.GetAccount(dbc, tenant)
	if err != nil || acct == nil {
		t.Fatalf("GetAccount: acct=%v err=%v", acct, err)
	}
	if acct.WeeklyLimit <= 0 || acct.Holds != 1 {
		t.Fatalf("unexpected fresh account: %+v", acct)
	}
}
