// Package progress throttles per-job progress emissions toward the chat
// surface. A failed progress update never fails the job.
package progress

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"grabbot/internal/transport"
	logx "grabbot/pkg/logx"
)

// Event is one structured progress signal. The core emits stage/percent
// codes; rendering to user text happens in the bot layer.
type Event struct {
	Stage   string // "queued", "analyze", "fetch", "deliver", "done", "error"
	Percent int    // -1 when unknown
	Err     error  // set on terminal failure
	Done    bool   // terminal success
}

// Terminal reports whether the event must bypass the throttle.
func (e Event) Terminal() bool {
	return e.Done || e.Err != nil || e.Percent >= 100
}

// Sink delivers a progress event to the UI surface.
type Sink interface {
	Notify(ctx context.Context, to transport.ChatTarget, jobID int64, ev Event) error
}

// Reporter rate-limits non-terminal events to one per interval per job.
// State exists only while a job is tracked; Forget drops it when the job ends.
type Reporter struct {
	sink     Sink
	log      logx.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs map[int64]*jobState

	// now feeds the per-job limiter; injectable for tests.
	now func() time.Time
}

type jobState struct {
	lim         *rate.Limiter
	lastPercent int
}

func NewReporter(sink Sink, interval time.Duration, log logx.Logger) *Reporter {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Reporter{
		sink:     sink,
		log:      log,
		interval: interval,
		jobs:     make(map[int64]*jobState),
		now:      time.Now,
	}
}

// SetNow overrides the clock. Test use only.
func (r *Reporter) SetNow(now func() time.Time) { r.now = now }

// SetInterval swaps the throttle interval for jobs tracked from now on.
func (r *Reporter) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.interval = d
	r.mu.Unlock()
}

// Report forwards the event to the sink unless the job's throttle suppresses
// it. Sink errors are swallowed and logged; they never propagate.
func (r *Reporter) Report(ctx context.Context, to transport.ChatTarget, jobID int64, ev Event) {
	r.mu.Lock()
	st := r.jobs[jobID]
	if st == nil {
		// Burst 1: the first event goes out immediately.
		st = &jobState{lim: rate.NewLimiter(rate.Every(r.interval), 1), lastPercent: -1}
		r.jobs[jobID] = st
	}
	allowed := ev.Terminal() || st.lim.AllowN(r.now(), 1)
	if allowed {
		st.lastPercent = ev.Percent
	}
	r.mu.Unlock()

	if !allowed {
		return
	}
	if err := r.sink.Notify(ctx, to, jobID, ev); err != nil {
		r.log.Debug("progress notify failed",
			logx.Int64("job", jobID), logx.String("stage", ev.Stage), logx.Err(err))
	}
}

// Forget discards a job's throttle state once it reaches a terminal state.
func (r *Reporter) Forget(jobID int64) {
	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()
}

// Tracked reports how many jobs currently hold throttle state.
func (r *Reporter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
