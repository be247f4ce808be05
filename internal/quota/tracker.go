// Package quota enforces per-user daily download quotas with date-keyed reset.
//
// Counters are reconciled lazily: any check or consume first compares the
// user's last_reset_date against today and zeroes the daily counters exactly
// once per day boundary. Reconciliation is serialized per user by a keyed
// mutex on top of the store's transaction.
package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"grabbot/internal/eventbus"
	"grabbot/internal/storage"
	logx "grabbot/pkg/logx"
)

// Kind selects which quota a check or consume applies to.
//
// KindTube implies the global quota: consuming it increments the tube
// sub-counter and the global counters in one transaction, and checking it
// requires headroom on both.
type Kind string

const (
	KindGlobal Kind = "global"
	KindTube   Kind = "tube"
)

var ErrExceeded = errors.New("quota exceeded")

type Limits struct {
	Daily int // global downloads per day, non-premium
	Tube  int // restricted-platform sub-quota per day, non-premium
}

func (l Limits) withDefaults() Limits {
	if l.Daily <= 0 {
		l.Daily = 20
	}
	if l.Tube <= 0 {
		l.Tube = 5
	}
	return l
}

type Tracker struct {
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	mu     sync.RWMutex
	limits Limits

	locks userLocks

	// now is injectable so day-boundary behavior is testable.
	now func() time.Time
}

func NewTracker(store storage.Store, limits Limits, log logx.Logger, bus eventbus.Bus) *Tracker {
	return &Tracker{
		store:  store,
		limits: limits.withDefaults(),
		log:    log,
		bus:    bus,
		now:    time.Now,
	}
}

// SetNow overrides the clock. Test use only.
func (t *Tracker) SetNow(now func() time.Time) { t.now = now }

// Now returns the tracker's notion of current time. Premium-expiry checks
// elsewhere use it so quota and premium agree on the day boundary.
func (t *Tracker) Now() time.Time { return t.now() }

// SetLimits swaps the quota ceilings at runtime (config reload).
func (t *Tracker) SetLimits(l Limits) {
	t.mu.Lock()
	t.limits = l.withDefaults()
	t.mu.Unlock()
}

func (t *Tracker) Limits() Limits {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limits
}

func (t *Tracker) today() string {
	return t.now().Format(storage.DateLayout)
}

// Reconcile applies the day-boundary reset if needed and returns the current
// record. Safe to call concurrently; the reset happens at most once per day.
func (t *Tracker) Reconcile(ctx context.Context, userID int64) (storage.User, error) {
	unlock := t.locks.lock(userID)
	defer unlock()
	return t.reconcileLocked(ctx, userID)
}

func (t *Tracker) reconcileLocked(ctx context.Context, userID int64) (storage.User, error) {
	today := t.today()
	reset := false
	u, err := t.store.UpdateUser(ctx, userID, func(u *storage.User) error {
		if u.LastResetDate != today {
			u.DailyCount = 0
			u.TubeCount = 0
			u.LastResetDate = today
			reset = true
		}
		return nil
	})
	if err != nil {
		return storage.User{}, err
	}
	if reset {
		t.log.Debug("daily counters reset", logx.Int64("user", userID), logx.String("day", today))
		if t.bus != nil {
			t.bus.Publish(eventbus.Event{Type: eventbus.TypeQuotaReset, Data: userID})
		}
	}
	return u, nil
}

// CanConsume reports whether one more download of the given kind fits the
// user's quota. No side effects beyond reconciliation.
func (t *Tracker) CanConsume(ctx context.Context, userID int64, kind Kind) (bool, error) {
	u, err := t.Reconcile(ctx, userID)
	if err != nil {
		return false, err
	}
	return t.allowed(&u, kind), nil
}

// Check reconciles and returns both the current record and whether one more
// download of the given kind fits, in a single pass.
func (t *Tracker) Check(ctx context.Context, userID int64, kind Kind) (storage.User, bool, error) {
	u, err := t.Reconcile(ctx, userID)
	if err != nil {
		return storage.User{}, false, err
	}
	return u, t.allowed(&u, kind), nil
}

func (t *Tracker) allowed(u *storage.User, kind Kind) bool {
	// Premium bypasses the global ceiling, and the tube sub-quota does not
	// apply to premium at all.
	if u.IsPremium(t.now()) {
		return true
	}
	lim := t.Limits()
	if u.DailyCount >= lim.Daily {
		return false
	}
	if kind == KindTube && u.TubeCount >= lim.Tube {
		return false
	}
	return true
}

// Consume increments the daily counter(s) and the lifetime total in one
// transaction. It re-verifies headroom under the lock and returns ErrExceeded
// instead of overshooting.
func (t *Tracker) Consume(ctx context.Context, userID int64, kind Kind) error {
	unlock := t.locks.lock(userID)
	defer unlock()

	if _, err := t.reconcileLocked(ctx, userID); err != nil {
		return err
	}
	_, err := t.store.UpdateUser(ctx, userID, func(u *storage.User) error {
		if !t.allowed(u, kind) {
			return ErrExceeded
		}
		u.DailyCount++
		u.TotalDownloads++
		if kind == KindTube {
			u.TubeCount++
		}
		return nil
	})
	return err
}

// userLocks hands out one mutex per user id.
//
// Entries are never evicted; the map is bounded by the number of distinct
// users seen since start.
type userLocks struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}

func (l *userLocks) lock(id int64) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[int64]*sync.Mutex)
	}
	um := l.m[id]
	if um == nil {
		um = &sync.Mutex{}
		l.m[id] = um
	}
	l.mu.Unlock()

	um.Lock()
	return um.Unlock
}
