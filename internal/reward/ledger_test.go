package reward

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"grabbot/internal/storage"
	logx "grabbot/pkg/logx"
)

// ledgerStore records appended entries and mirrors the balance pairing the
// real store guarantees transactionally.
type ledgerStore struct {
	mu       sync.Mutex
	balances map[int64]int64
	entries  []storage.RewardEntry
}

func newLedgerStore() *ledgerStore {
	return &ledgerStore{balances: map[int64]int64{}}
}

func (s *ledgerStore) EnsureUser(_ context.Context, id int64, _ string) (storage.User, error) {
	return storage.User{ID: id}, nil
}

func (s *ledgerStore) GetUser(_ context.Context, id int64) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return storage.User{ID: id, Balance: s.balances[id]}, nil
}

func (s *ledgerStore) UpdateUser(_ context.Context, id int64, fn func(u *storage.User) error) (storage.User, error) {
	u := storage.User{ID: id}
	if err := fn(&u); err != nil {
		return storage.User{}, err
	}
	return u, nil
}

func (s *ledgerStore) AppendReward(_ context.Context, e storage.RewardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	s.balances[e.UserID] += e.Amount
	return nil
}

func (s *ledgerStore) SumRewards(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, e := range s.entries {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (s *ledgerStore) StaleUsers(_ context.Context, _ string) ([]int64, error) { return nil, nil }
func (s *ledgerStore) Close() error                                           { return nil }

func TestDownloadCreditStaysInBounds(t *testing.T) {
	t.Parallel()
	st := newLedgerStore()
	cfg := Config{Min: 5, Max: 25, Referral: 50}
	l := New(st, cfg, rand.NewSource(1), logx.Nop())
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		got, err := l.CreditDownload(ctx, 1)
		if err != nil {
			t.Fatalf("CreditDownload: %v", err)
		}
		if got < cfg.Min || got > cfg.Max {
			t.Fatalf("amount %d outside [%d, %d]", got, cfg.Min, cfg.Max)
		}
	}
}

func TestDownloadCreditIsDeterministicForSeed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Min: 5, Max: 25}

	draw := func() []int64 {
		l := New(newLedgerStore(), cfg, rand.NewSource(42), logx.Nop())
		out := make([]int64, 10)
		for i := range out {
			a, err := l.CreditDownload(ctx, 1)
			if err != nil {
				t.Fatal(err)
			}
			out[i] = a
		}
		return out
	}

	a, b := draw(), draw()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("draw %d differs: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestReferralCreditIsFixed(t *testing.T) {
	t.Parallel()
	st := newLedgerStore()
	l := New(st, Config{Min: 5, Max: 25, Referral: 50}, rand.NewSource(1), logx.Nop())

	got, err := l.CreditReferral(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if got != 50 {
		t.Fatalf("referral amount = %d, want 50", got)
	}
	if st.entries[0].Kind != storage.RewardReferral {
		t.Fatalf("kind = %s, want referral", st.entries[0].Kind)
	}
}

func TestLedgerAndBalanceStayPaired(t *testing.T) {
	t.Parallel()
	st := newLedgerStore()
	l := New(st, Config{}, rand.NewSource(7), logx.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := l.CreditDownload(ctx, 9); err != nil {
					t.Errorf("CreditDownload: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	sum, err := l.Audit(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	u, _ := st.GetUser(ctx, 9)
	if sum != u.Balance {
		t.Fatalf("ledger sum %d != balance %d", sum, u.Balance)
	}
	if len(st.entries) != 160 {
		t.Fatalf("entries = %d, want 160 (append-only, one per credit)", len(st.entries))
	}
}
