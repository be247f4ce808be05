// Package pool runs the fixed worker set that drains the job queue. Each
// worker loops dequeue -> registry claim -> process -> release. A claim
// conflict requeues the job with decayed priority; a job that keeps losing
// the claim fails after a bounded number of attempts.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"grabbot/internal/eventbus"
	"grabbot/internal/pipeline"
	"grabbot/internal/progress"
	"grabbot/internal/registry"
	"grabbot/internal/runtime/supervisor"
	"grabbot/internal/sched"
	"grabbot/internal/transport"
	logx "grabbot/pkg/logx"
)

// requeueYield is how long a worker backs off after a claim conflict before
// its next dequeue, so it does not spin on the same blocked user.
const requeueYield = 50 * time.Millisecond

// Processor runs one job to completion. Satisfied by *pipeline.Processor.
type Processor interface {
	Run(ctx context.Context, job *sched.Job) (pipeline.Result, error)
}

// Notifier receives terminal failure events for jobs that die outside the
// pipeline's own reporting: requeue exhaustion, a worker panic, or a shutdown
// drain. Satisfied by *progress.Reporter.
type Notifier interface {
	Report(ctx context.Context, to transport.ChatTarget, jobID int64, ev progress.Event)
	Forget(jobID int64)
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Requeued  uint64 `json:"requeued"`
	InFlight  int32  `json:"in_flight"`
}

type Options struct {
	Workers     int           // default 3
	Grace       time.Duration // shutdown wait, default 10s
	MaxRequeues int           // claim conflicts before the job fails, default 100

	// Session is the pool-scoped shared resource (HTTP client); closed after
	// the workers have stopped, never while they run.
	Session io.Closer

	// Notify, when set, is told about jobs that fail without ever entering
	// the pipeline, so the user who queued them still hears the outcome.
	Notify Notifier
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.Grace <= 0 {
		o.Grace = 10 * time.Second
	}
	if o.MaxRequeues <= 0 {
		o.MaxRequeues = 100
	}
	return o
}

type Pool struct {
	queue *sched.Queue
	reg   *registry.Registry
	proc  Processor
	bus   eventbus.Bus
	log   logx.Logger
	opts  Options

	mu          sync.RWMutex
	maxRequeues int

	sup       *supervisor.Supervisor
	startOnce sync.Once
	stopOnce  sync.Once

	completed atomic.Uint64
	failed    atomic.Uint64
	requeued  atomic.Uint64
	inFlight  atomic.Int32
}

func New(queue *sched.Queue, reg *registry.Registry, proc Processor, opts Options,
	bus eventbus.Bus, log logx.Logger) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		queue:       queue,
		reg:         reg,
		proc:        proc,
		bus:         bus,
		log:         log,
		opts:        opts,
		maxRequeues: opts.MaxRequeues,
	}
}

// SetMaxRequeues swaps the requeue bound at runtime (config reload).
func (p *Pool) SetMaxRequeues(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.maxRequeues = n
	p.mu.Unlock()
}

func (p *Pool) requeueBound() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxRequeues
}

// Start launches the workers. Idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.sup = supervisor.New(ctx, p.log)
		for i := 0; i < p.opts.Workers; i++ {
			name := fmt.Sprintf("worker-%d", i)
			p.sup.Go(name, func(ctx context.Context) error {
				return p.workerLoop(ctx, name)
			})
		}
		p.log.Info("pool started", logx.Int("workers", p.opts.Workers))
	})
}

// Stop drains the queue, cancels in-flight work, waits up to the grace
// period, then closes the pool-scoped session.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		rest := p.queue.Drain()
		for _, j := range rest {
			j.SetState(sched.StateFailed)
			p.failed.Add(1)
			p.notifyFailure(context.Background(), j, &pipeline.StageError{
				Stage: pipeline.StageInternal,
				Err:   errors.New("dropped at shutdown before it could run"),
			})
			p.publish(eventbus.TypeJobFailed, j.ID)
		}
		if len(rest) > 0 {
			p.log.Warn("queue drained on shutdown", logx.Int("dropped", len(rest)))
		}

		if p.sup != nil {
			if err := p.sup.Stop(p.opts.Grace); err != nil {
				p.log.Warn("pool shutdown grace exceeded", logx.Err(err))
			}
		}
		if p.opts.Session != nil {
			if err := p.opts.Session.Close(); err != nil {
				p.log.Warn("session close failed", logx.Err(err))
			}
		}
		p.log.Info("pool stopped")
	})
}

func (p *Pool) Stats() Stats {
	return Stats{
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Requeued:  p.requeued.Load(),
		InFlight:  p.inFlight.Load(),
	}
}

func (p *Pool) workerLoop(ctx context.Context, name string) error {
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, sched.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if !p.reg.Claim(job.UserID, job.ID) {
			p.handleConflict(ctx, job)
			continue
		}
		p.execOne(ctx, job, name)
	}
}

// handleConflict puts a job back after losing the claim, or fails it once the
// requeue bound is spent.
func (p *Pool) handleConflict(ctx context.Context, job *sched.Job) {
	if job.Requeues >= p.requeueBound() {
		job.SetState(sched.StateFailed)
		p.failed.Add(1)
		p.log.Warn("job dropped after repeated claim conflicts",
			logx.Int64("job", job.ID), logx.Int64("user", job.UserID),
			logx.Int("requeues", job.Requeues))
		p.notifyFailure(ctx, job, &pipeline.StageError{
			Stage: pipeline.StageInternal,
			Err:   fmt.Errorf("gave up after %d attempts while an earlier download was running", job.Requeues),
		})
		p.publish(eventbus.TypeJobFailed, job.ID)
		return
	}

	p.queue.Requeue(job)
	p.requeued.Add(1)
	p.publish(eventbus.TypeJobRequeued, job.ID)

	select {
	case <-ctx.Done():
	case <-time.After(requeueYield):
	}
}

func (p *Pool) execOne(ctx context.Context, job *sched.Job, worker string) {
	defer p.reg.Release(job.UserID)

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	start := time.Now()
	p.publish(eventbus.TypeJobStarted, job.ID)

	res, panicked, err := p.runGuarded(ctx, job)
	dur := time.Since(start)
	if err != nil {
		job.SetState(sched.StateFailed)
		p.failed.Add(1)
		p.log.Warn("job failed",
			logx.Int64("job", job.ID), logx.Int64("user", job.UserID),
			logx.String("worker", worker), logx.String("stage", string(pipeline.StageOf(err))),
			logx.Duration("dur", dur), logx.Err(err))
		if panicked {
			// The pipeline never got to emit its terminal event.
			p.notifyFailure(ctx, job, err)
		}
		p.publish(eventbus.TypeJobFailed, job.ID)
		return
	}

	p.completed.Add(1)
	p.log.Info("job completed",
		logx.Int64("job", job.ID), logx.Int64("user", job.UserID),
		logx.String("worker", worker), logx.String("title", res.Title),
		logx.Int64("reward", res.Reward), logx.Duration("dur", dur))
	p.publish(eventbus.TypeJobCompleted, job.ID)
}

// runGuarded converts a processor panic into an error so one bad job cannot
// kill its worker.
func (p *Pool) runGuarded(ctx context.Context, job *sched.Job) (res pipeline.Result, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = &pipeline.StageError{Stage: pipeline.StageInternal, Err: fmt.Errorf("panic: %v", r)}
			p.log.Error("job panicked", logx.Int64("job", job.ID),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	res, err = p.proc.Run(ctx, job)
	return res, false, err
}

// notifyFailure sends the user-facing terminal event for a job the pipeline
// never reported on, then drops its throttle state.
func (p *Pool) notifyFailure(ctx context.Context, job *sched.Job, err error) {
	if p.opts.Notify == nil {
		return
	}
	p.opts.Notify.Report(ctx, job.Chat, job.ID, progress.Event{
		Stage: string(pipeline.StageOf(err)), Percent: -1, Err: err,
	})
	p.opts.Notify.Forget(job.ID)
}

func (p *Pool) publish(typ string, jobID int64) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Data: jobID})
	}
}
