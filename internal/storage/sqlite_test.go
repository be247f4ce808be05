package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "grabbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestEnsureUserCreatesDefaults(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	u, err := st.EnsureUser(ctx, 42, "alice")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if u.ID != 42 || u.Username != "alice" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if u.DailyCount != 0 || u.Balance != 0 || u.Premium {
		t.Fatalf("expected zeroed defaults, got %+v", u)
	}

	// Second call keeps the record and updates the username.
	u2, err := st.EnsureUser(ctx, 42, "alice2")
	if err != nil {
		t.Fatalf("EnsureUser again: %v", err)
	}
	if u2.Username != "alice2" {
		t.Fatalf("Username = %q, want alice2", u2.Username)
	}
}

func TestGetUserNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if _, err := st.GetUser(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateUserRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	if _, err := st.EnsureUser(ctx, 1, "bob"); err != nil {
		t.Fatal(err)
	}

	until := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Millisecond)
	u, err := st.UpdateUser(ctx, 1, func(u *User) error {
		u.DailyCount = 3
		u.TubeCount = 1
		u.LastResetDate = "2026-08-28"
		u.Premium = true
		u.PremiumUntil = until
		u.TotalDownloads = 7
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if u.DailyCount != 3 {
		t.Fatalf("returned DailyCount = %d", u.DailyCount)
	}

	got, err := st.GetUser(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.DailyCount != 3 || got.TubeCount != 1 || got.LastResetDate != "2026-08-28" {
		t.Fatalf("counters not persisted: %+v", got)
	}
	if !got.Premium || !got.PremiumUntil.Equal(until) {
		t.Fatalf("premium not persisted: %+v", got)
	}
	if got.TotalDownloads != 7 {
		t.Fatalf("TotalDownloads = %d", got.TotalDownloads)
	}
}

func TestUpdateUserAbortsOnError(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	if _, err := st.EnsureUser(ctx, 2, ""); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	_, err := st.UpdateUser(ctx, 2, func(u *User) error {
		u.DailyCount = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ := st.GetUser(ctx, 2)
	if got.DailyCount != 0 {
		t.Fatalf("aborted update leaked: DailyCount = %d", got.DailyCount)
	}
}

func TestAppendRewardPairsBalance(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	if _, err := st.EnsureUser(ctx, 3, ""); err != nil {
		t.Fatal(err)
	}

	amounts := []int64{10, 25, 50}
	kinds := []RewardKind{RewardDownload, RewardDownload, RewardReferral}
	for i, a := range amounts {
		if err := st.AppendReward(ctx, RewardEntry{UserID: 3, Amount: a, Kind: kinds[i]}); err != nil {
			t.Fatalf("AppendReward: %v", err)
		}
	}

	sum, err := st.SumRewards(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	u, err := st.GetUser(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if sum != 85 || u.Balance != 85 {
		t.Fatalf("sum = %d, balance = %d, want both 85", sum, u.Balance)
	}
}

func TestAppendRewardUnknownUser(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	err := st.AppendReward(context.Background(), RewardEntry{UserID: 404, Amount: 5, Kind: RewardDownload})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStaleUsers(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	for id := int64(10); id < 13; id++ {
		if _, err := st.EnsureUser(ctx, id, ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := st.UpdateUser(ctx, 11, func(u *User) error {
		u.LastResetDate = "2026-08-28"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ids, err := st.StaleUsers(ctx, "2026-08-28")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("stale = %v, want ids 10 and 12", ids)
	}
}
