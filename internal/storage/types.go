package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// DateLayout is the calendar-day key used for daily quota reconciliation.
const DateLayout = "2006-01-02"

// User is one bot user's persistent record.
//
// Daily counters are only meaningful for the day in LastResetDate; callers
// must reconcile against "today" before reading or writing them (see quota).
type User struct {
	ID       int64
	Username string

	DailyCount    int
	TubeCount     int
	LastResetDate string // DateLayout; "" for a fresh record

	Premium      bool
	PremiumUntil time.Time // zero means no expiry

	Balance        int64
	TotalDownloads int64
}

// IsPremium reports whether the premium flag is set and unexpired at now.
func (u *User) IsPremium(now time.Time) bool {
	if !u.Premium {
		return false
	}
	return u.PremiumUntil.IsZero() || now.Before(u.PremiumUntil)
}

// RewardKind tags ledger entries.
type RewardKind string

const (
	RewardDownload RewardKind = "download"
	RewardReferral RewardKind = "referral"
)

// RewardEntry is one append-only ledger row. Never mutated after insert.
type RewardEntry struct {
	UserID int64
	Amount int64
	Kind   RewardKind
	At     time.Time
}

// Store is the persistence API used by the scheduling core.
type Store interface {
	// EnsureUser returns the user record, creating a default one if absent.
	EnsureUser(ctx context.Context, id int64, username string) (User, error)

	GetUser(ctx context.Context, id int64) (User, error)

	// UpdateUser runs fn on the current record inside one transaction and
	// persists the result. fn returning an error aborts without writing.
	UpdateUser(ctx context.Context, id int64, fn func(u *User) error) (User, error)

	// AppendReward inserts a ledger row and applies the balance delta in the
	// same transaction.
	AppendReward(ctx context.Context, e RewardEntry) error

	// SumRewards returns the ledger total for a user (invariant checking).
	SumRewards(ctx context.Context, userID int64) (int64, error)

	// StaleUsers lists users whose last_reset_date differs from today.
	StaleUsers(ctx context.Context, today string) ([]int64, error)

	Close() error
}
