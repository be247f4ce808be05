// Package pipeline runs one admitted job through its processing stages:
// validate, analyze, fetch, deliver, settle, cleanup. The external
// capabilities do the media work; the pipeline sequences them, enforces
// ceilings and the processing deadline, and settles quota and reward on
// success only.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"grabbot/internal/media"
	"grabbot/internal/progress"
	"grabbot/internal/quota"
	"grabbot/internal/reward"
	"grabbot/internal/sched"
	logx "grabbot/pkg/logx"
)

// Ceilings are the per-variant size bounds applied to non-premium users.
// The delivery transport's own hard ceiling is enforced by the deliverer.
type Ceilings struct {
	Audio int64
	Video int64
}

func (c Ceilings) withDefaults() Ceilings {
	if c.Audio <= 0 {
		c.Audio = 50 << 20
	}
	if c.Video <= 0 {
		c.Video = 500 << 20
	}
	return c
}

func (c Ceilings) forVariant(v media.Variant) int64 {
	if v == media.VariantAudio {
		return c.Audio
	}
	return c.Video
}

// Result summarizes a completed job.
type Result struct {
	Title  string
	Size   int64
	Reward int64
}

type Processor struct {
	fetcher   media.Fetcher
	deliverer media.Deliverer
	quota     *quota.Tracker
	rewards   *reward.Ledger
	progress  *progress.Reporter
	log       logx.Logger

	mu       sync.RWMutex
	timeout  time.Duration
	ceilings Ceilings
}

func New(fetcher media.Fetcher, deliverer media.Deliverer, quota *quota.Tracker,
	rewards *reward.Ledger, progress *progress.Reporter, timeout time.Duration,
	ceilings Ceilings, log logx.Logger) *Processor {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Processor{
		fetcher:   fetcher,
		deliverer: deliverer,
		quota:     quota,
		rewards:   rewards,
		progress:  progress,
		log:       log,
		timeout:   timeout,
		ceilings:  ceilings.withDefaults(),
	}
}

// SetTimeout swaps the processing deadline at runtime (config reload).
func (p *Processor) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}

// SetCeilings swaps the per-variant size bounds at runtime (config reload).
func (p *Processor) SetCeilings(c Ceilings) {
	p.mu.Lock()
	p.ceilings = c.withDefaults()
	p.mu.Unlock()
}

func (p *Processor) deadline() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.timeout
}

func (p *Processor) ceilingFor(v media.Variant) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ceilings.forVariant(v)
}

// KindFor maps a platform to the quota it draws from.
func KindFor(platform string) quota.Kind {
	if platform == media.PlatformTube {
		return quota.KindTube
	}
	return quota.KindGlobal
}

// Run executes the full stage chain for one job. The returned error, if any,
// is always stage-tagged. The temp artifact is removed on every exit path.
func (p *Processor) Run(ctx context.Context, job *sched.Job) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.deadline())
	defer cancel()
	defer p.progress.Forget(job.ID)

	job.SetState(sched.StateRunning)
	report := func(stage string, percent int) {
		p.progress.Report(ctx, job.Chat, job.ID, progress.Event{Stage: stage, Percent: percent})
	}

	res, err := p.run(ctx, job, report)
	if err != nil {
		job.SetState(sched.StateFailed)
		p.progress.Report(ctx, job.Chat, job.ID, progress.Event{
			Stage: string(StageOf(err)), Percent: -1, Err: err,
		})
		return Result{}, err
	}

	job.SetState(sched.StateCompleted)
	p.progress.Report(ctx, job.Chat, job.ID, progress.Event{Stage: "done", Percent: 100, Done: true})
	return res, nil
}

func (p *Processor) run(ctx context.Context, job *sched.Job, report func(string, int)) (Result, error) {
	// Validate. Quota headroom was checked at admission; re-check here because
	// queue latency may have crossed a day boundary or exhausted it.
	if job.Payload.SourceURL == "" {
		return Result{}, fail(StageValidate, fmt.Errorf("empty source url"))
	}
	kind := KindFor(job.Payload.Platform)
	u, ok, err := p.quota.Check(ctx, job.UserID, kind)
	if err != nil {
		return Result{}, fail(StageValidate, err)
	}
	if !ok {
		return Result{}, fail(StageValidate, quota.ErrExceeded)
	}
	premium := u.IsPremium(p.quota.Now())

	// Analyze.
	report("analyze", -1)
	info, err := p.fetcher.Analyze(ctx, job.Payload.SourceURL, job.Payload.Variant)
	if err != nil {
		return Result{}, fail(StageAnalyze, err)
	}
	ceiling := p.ceilingFor(job.Payload.Variant)
	if !premium && info.EstimatedSize > ceiling {
		return Result{}, fail(StageAnalyze, &SizeError{Measured: info.EstimatedSize, Ceiling: ceiling})
	}

	// Fetch. The capability owns transient retries; whatever error comes back
	// is final from the pipeline's point of view.
	report("fetch", 0)
	path, err := p.fetcher.Fetch(ctx, job.Payload.SourceURL, job.Payload.Variant, func(pct int) {
		report("fetch", pct)
	})
	if err != nil {
		return Result{}, fail(StageFetch, err)
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			p.log.Warn("artifact cleanup failed", logx.String("path", path), logx.Err(rmErr))
		}
	}()

	// Sources can under-report; re-check the measured artifact.
	var size int64
	if fi, statErr := os.Stat(path); statErr == nil {
		size = fi.Size()
	}
	if !premium && size > ceiling {
		return Result{}, fail(StageFetch, &SizeError{Measured: size, Ceiling: ceiling})
	}

	// Deliver.
	err = p.deliverer.Deliver(ctx, media.Target{ChatID: job.Chat.ChatID, ThreadID: job.Chat.ThreadID},
		path, job.Payload.Variant, func(pct int) { report("deliver", pct) })
	if err != nil {
		return Result{}, fail(StageDeliver, err)
	}

	// Settle. Consume re-verifies headroom under the user lock; an admitted
	// job can still lose the race across a day boundary.
	if err := p.quota.Consume(ctx, job.UserID, kind); err != nil {
		return Result{}, fail(StageSettle, err)
	}
	amount, err := p.rewards.CreditDownload(ctx, job.UserID)
	if err != nil {
		// The artifact is already delivered; do not fail the job over a
		// missed credit.
		p.log.Error("reward credit failed", logx.Int64("user", job.UserID),
			logx.Int64("job", job.ID), logx.Err(err))
		amount = 0
	}

	return Result{Title: info.Title, Size: size, Reward: amount}, nil
}
