package pool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"grabbot/internal/pipeline"
	"grabbot/internal/progress"
	"grabbot/internal/registry"
	"grabbot/internal/sched"
	"grabbot/internal/transport"
	logx "grabbot/pkg/logx"
)

// scriptedProc lets tests control per-job outcomes and block execution.
type scriptedProc struct {
	mu      sync.Mutex
	block   map[int64]chan struct{} // job id -> release channel
	fails   map[int64]error
	panics  map[int64]bool
	started chan int64
}

func newScriptedProc() *scriptedProc {
	return &scriptedProc{
		block:   map[int64]chan struct{}{},
		fails:   map[int64]error{},
		panics:  map[int64]bool{},
		started: make(chan int64, 16),
	}
}

func (s *scriptedProc) holdJob(id int64) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.block[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *scriptedProc) Run(ctx context.Context, job *sched.Job) (pipeline.Result, error) {
	s.started <- job.ID
	s.mu.Lock()
	release := s.block[job.ID]
	failErr := s.fails[job.ID]
	doPanic := s.panics[job.ID]
	s.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		}
	}
	if doPanic {
		panic("processor blew up")
	}
	if failErr != nil {
		return pipeline.Result{}, failErr
	}
	return pipeline.Result{Title: "ok"}, nil
}

// recordingNotifier captures terminal events the pool emits for jobs that
// never reach the pipeline.
type recordingNotifier struct {
	mu     sync.Mutex
	events map[int64][]progress.Event
	forgot []int64
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: map[int64][]progress.Event{}}
}

func (n *recordingNotifier) Report(_ context.Context, _ transport.ChatTarget, jobID int64, ev progress.Event) {
	n.mu.Lock()
	n.events[jobID] = append(n.events[jobID], ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) Forget(jobID int64) {
	n.mu.Lock()
	n.forgot = append(n.forgot, jobID)
	n.mu.Unlock()
}

func (n *recordingNotifier) terminalFor(jobID int64) (progress.Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ev := range n.events[jobID] {
		if ev.Terminal() {
			return ev, true
		}
	}
	return progress.Event{}, false
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestPool(proc Processor, workers int, notify Notifier) (*Pool, *sched.Queue, *registry.Registry) {
	q := sched.NewQueue(0)
	reg := registry.New()
	opts := Options{Workers: workers, Grace: 3 * time.Second, MaxRequeues: 100, Notify: notify}
	p := New(q, reg, proc, opts, nil, logx.Nop())
	return p, q, reg
}

func TestSecondJobForBusyUserIsRequeuedWithDecay(t *testing.T) {
	t.Parallel()
	proc := newScriptedProc()
	p, q, _ := newTestPool(proc, 2, nil)

	j1 := &sched.Job{UserID: 7, Class: sched.ClassStandard}
	q.Enqueue(j1)
	release := proc.holdJob(j1.ID)

	p.Start(context.Background())
	defer p.Stop()
	<-proc.started // j1 running, user claimed

	j2 := &sched.Job{UserID: 7, Class: sched.ClassStandard}
	q.Enqueue(j2)

	// j2 keeps losing the claim while j1 holds the user.
	waitFor(t, func() bool { return p.Stats().Requeued >= 1 }, "second job never requeued")

	close(release)
	waitFor(t, func() bool { return p.Stats().Completed == 2 }, "both jobs should complete")

	// Safe to inspect j2 now: the completed counter orders these reads after
	// the workers' last writes.
	if j2.Requeues < 1 || j2.Priority() <= sched.ClassSpan*int(sched.ClassStandard) {
		t.Fatalf("requeue did not decay priority: requeues=%d prio=%d", j2.Requeues, j2.Priority())
	}
}

func TestFailureReleasesUserAndCounts(t *testing.T) {
	t.Parallel()
	proc := newScriptedProc()
	p, q, reg := newTestPool(proc, 1, nil)

	j1 := &sched.Job{UserID: 3, Class: sched.ClassStandard}
	q.Enqueue(j1)
	proc.mu.Lock()
	proc.fails[j1.ID] = errors.New("fetch exploded")
	proc.mu.Unlock()

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, func() bool { return p.Stats().Failed == 1 }, "failure not counted")
	if _, busy := reg.Active(3); busy {
		t.Fatal("registry entry must be released on failure")
	}

	// The user can run again immediately.
	j2 := &sched.Job{UserID: 3, Class: sched.ClassStandard}
	q.Enqueue(j2)
	waitFor(t, func() bool { return p.Stats().Completed == 1 }, "follow-up job did not run")
}

func TestPanicIsContainedAndWorkerSurvives(t *testing.T) {
	t.Parallel()
	proc := newScriptedProc()
	rec := newRecordingNotifier()
	p, q, reg := newTestPool(proc, 1, rec)

	j1 := &sched.Job{UserID: 5, Class: sched.ClassStandard}
	q.Enqueue(j1)
	proc.mu.Lock()
	proc.panics[j1.ID] = true
	proc.mu.Unlock()

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, func() bool { return p.Stats().Failed == 1 }, "panic not counted as failure")
	if _, busy := reg.Active(5); busy {
		t.Fatal("registry entry must be released after panic")
	}

	// The user still hears about the crash: a terminal internal-stage event.
	ev, ok := rec.terminalFor(j1.ID)
	if !ok || ev.Err == nil {
		t.Fatalf("terminal event = %+v, want error event for panicked job", ev)
	}
	if pipeline.StageOf(ev.Err) != pipeline.StageInternal {
		t.Fatalf("stage = %s, want internal", pipeline.StageOf(ev.Err))
	}

	j2 := &sched.Job{UserID: 6, Class: sched.ClassStandard}
	q.Enqueue(j2)
	waitFor(t, func() bool { return p.Stats().Completed == 1 }, "worker died after panic")
}

func TestJobFailsAfterRequeueBound(t *testing.T) {
	t.Parallel()
	proc := newScriptedProc()
	rec := newRecordingNotifier()
	q := sched.NewQueue(0)
	reg := registry.New()
	opts := Options{Workers: 2, Grace: 3 * time.Second, MaxRequeues: 3, Notify: rec}
	p := New(q, reg, proc, opts, nil, logx.Nop())

	j1 := &sched.Job{UserID: 9, Class: sched.ClassStandard}
	q.Enqueue(j1)
	release := proc.holdJob(j1.ID)

	p.Start(context.Background())
	defer p.Stop()
	<-proc.started // j1 running, user claimed

	j2 := &sched.Job{UserID: 9, Class: sched.ClassStandard}
	q.Enqueue(j2)

	// j2 cycles until the bound, then fails while j1 still holds the user.
	waitFor(t, func() bool { return j2.State() == sched.StateFailed }, "job did not fail at requeue bound")
	if j2.Requeues != 3 {
		t.Fatalf("Requeues = %d, want 3", j2.Requeues)
	}

	// The drop is reported to the user as a terminal internal-stage error.
	ev, ok := rec.terminalFor(j2.ID)
	if !ok || ev.Err == nil {
		t.Fatalf("terminal event = %+v, want error event for dropped job", ev)
	}
	if pipeline.StageOf(ev.Err) != pipeline.StageInternal {
		t.Fatalf("stage = %s, want internal", pipeline.StageOf(ev.Err))
	}
	if !strings.Contains(ev.Err.Error(), "3 attempts") {
		t.Fatalf("err = %v, want attempt count in message", ev.Err)
	}

	close(release)
	waitFor(t, func() bool { return p.Stats().Completed == 1 }, "held job should still complete")
	if _, ok := rec.terminalFor(j1.ID); ok {
		t.Fatal("completed job must not get a pool failure event")
	}
}

func TestStopDrainsQueueAndCancelsInFlight(t *testing.T) {
	t.Parallel()
	proc := newScriptedProc()
	rec := newRecordingNotifier()
	p, q, _ := newTestPool(proc, 1, rec)

	j1 := &sched.Job{UserID: 1, Class: sched.ClassStandard}
	q.Enqueue(j1)
	proc.holdJob(j1.ID) // never released; Stop must cancel it

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	<-proc.started

	queued := &sched.Job{UserID: 2, Class: sched.ClassStandard}
	q.Enqueue(queued)

	p.Stop()
	if queued.State() != sched.StateFailed {
		t.Fatalf("drained job state = %s, want failed", queued.State())
	}
	if ev, ok := rec.terminalFor(queued.ID); !ok || ev.Err == nil {
		t.Fatalf("terminal event = %+v, want error event for drained job", ev)
	}
	if s := p.Stats(); s.InFlight != 0 {
		t.Fatalf("in-flight after stop = %d", s.InFlight)
	}
}
