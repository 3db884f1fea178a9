package repository

import (
	"context"
	"testing"

	"github.com/yuqie6/activityrank/internal/schema"
	"github.com/yuqie6/activityrank/internal/testutil"
)

func TestUserRepositoryUpsertAndGetByIDs(t *testing.T) {
	db := testutil.OpenTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	if err := repo.Upsert(ctx, &schema.UserProfile{ID: 1, Nickname: "alice", Avatar: "a.png"}); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if err := repo.Upsert(ctx, &schema.UserProfile{ID: 2, Nickname: "bob"}); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	if err := repo.Upsert(ctx, &schema.UserProfile{ID: 1, Nickname: "alice2", Avatar: "b.png"}); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}

	got, err := repo.GetByIDs(ctx, []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("GetByIDs error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2", len(got))
	}
	if got[1].Nickname != "alice2" || got[1].Avatar != "b.png" {
		t.Fatalf("user 1=%+v, want updated profile", got[1])
	}
	if _, ok := got[3]; ok {
		t.Fatalf("unknown user should be absent")
	}
}

func TestUserRepositoryGetByIDsEmpty(t *testing.T) {
	repo := NewUserRepository(testutil.OpenTestDB(t))
	got, err := repo.GetByIDs(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetByIDs error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty map")
	}
}
