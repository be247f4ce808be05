// Package reward credits user balances through an append-only ledger.
//
// The ledger row and the balance delta are written in one storage
// transaction, so sum(ledger) == balance holds at any quiescent point.
package reward

import (
	"context"
	"math/rand"
	"sync"

	"grabbot/internal/storage"
	logx "grabbot/pkg/logx"
)

type Config struct {
	Min      int64 // inclusive lower bound for download credits
	Max      int64 // inclusive upper bound for download credits
	Referral int64 // fixed referral credit
}

func (c Config) withDefaults() Config {
	if c.Min <= 0 {
		c.Min = 5
	}
	if c.Max <= 0 {
		c.Max = 25
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Referral <= 0 {
		c.Referral = 50
	}
	return c
}

type Ledger struct {
	store storage.Store
	log   logx.Logger

	mu  sync.Mutex
	cfg Config
	rng *rand.Rand
}

// New builds a ledger. src seeds the download-credit draw and is injectable so
// reward assignment is deterministic under test.
func New(store storage.Store, cfg Config, src rand.Source, log logx.Logger) *Ledger {
	return &Ledger{
		store: store,
		log:   log,
		cfg:   cfg.withDefaults(),
		rng:   rand.New(src),
	}
}

// SetConfig swaps the reward bounds at runtime (config reload).
func (l *Ledger) SetConfig(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

// CreditDownload draws a random amount in [Min, Max] and applies it.
func (l *Ledger) CreditDownload(ctx context.Context, userID int64) (int64, error) {
	l.mu.Lock()
	cfg := l.cfg
	amount := cfg.Min + l.rng.Int63n(cfg.Max-cfg.Min+1)
	l.mu.Unlock()

	return l.apply(ctx, userID, amount, storage.RewardDownload)
}

// CreditReferral applies the fixed referral credit.
func (l *Ledger) CreditReferral(ctx context.Context, userID int64) (int64, error) {
	l.mu.Lock()
	amount := l.cfg.Referral
	l.mu.Unlock()

	return l.apply(ctx, userID, amount, storage.RewardReferral)
}

func (l *Ledger) apply(ctx context.Context, userID, amount int64, kind storage.RewardKind) (int64, error) {
	err := l.store.AppendReward(ctx, storage.RewardEntry{UserID: userID, Amount: amount, Kind: kind})
	if err != nil {
		return 0, err
	}
	l.log.Debug("reward credited",
		logx.Int64("user", userID), logx.Int64("amount", amount), logx.String("kind", string(kind)))
	return amount, nil
}

// Audit returns the ledger sum for a user, for invariant checks against the
// running balance.
func (l *Ledger) Audit(ctx context.Context, userID int64) (int64, error) {
	return l.store.SumRewards(ctx, userID)
}
