package quota

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"grabbot/internal/storage"
	logx "grabbot/pkg/logx"
)

// Sweeper proactively reconciles stale daily counters shortly after midnight.
// Lazy reconciliation stays authoritative; the sweep just keeps long-idle
// records from carrying stale dates forever.
type Sweeper struct {
	tracker *Tracker
	store   storage.Store
	log     logx.Logger
	cron    *cron.Cron
}

const sweepSpec = "5 0 * * *" // 00:05 local time

func NewSweeper(tracker *Tracker, store storage.Store, log logx.Logger) *Sweeper {
	return &Sweeper{tracker: tracker, store: store, log: log}
}

func (s *Sweeper) Start() error {
	c := cron.New()
	_, err := c.AddFunc(sweepSpec, s.runOnce)
	if err != nil {
		return err
	}
	s.cron = c
	c.Start()
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
}

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	today := s.tracker.today()
	ids, err := s.store.StaleUsers(ctx, today)
	if err != nil {
		s.log.Warn("quota sweep: listing stale users failed", logx.Err(err))
		return
	}
	reset := 0
	for _, id := range ids {
		if _, err := s.tracker.Reconcile(ctx, id); err != nil {
			s.log.Warn("quota sweep: reconcile failed", logx.Int64("user", id), logx.Err(err))
			continue
		}
		reset++
	}
	if reset > 0 {
		s.log.Info("quota sweep finished", logx.Int("users", reset), logx.String("day", today))
	}
}
