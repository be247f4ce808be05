// Package supervisor runs named goroutines under a shared context with panic
// recovery and timeout-aware shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "grabbot/pkg/logx"
)

// Counters are best-effort operational metrics, not a synchronization
// primitive.
type Counters struct {
	Started uint64 `json:"started"`
	Active  int64  `json:"active"`
	Panics  uint64 `json:"panics"`
}

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger
	wg     sync.WaitGroup

	started atomic.Uint64
	active  atomic.Int64
	panics  atomic.Uint64
}

func New(parent context.Context, log logx.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{ctx: ctx, cancel: cancel, log: log}
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Go starts a named goroutine. A panic is recovered and logged; it kills only
// that goroutine.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		if err := s.runOne(name, fn); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("goroutine exited with error", logx.String("name", name), logx.Err(err))
		}
	}()
}

// GoRestart keeps a named goroutine alive until the supervisor context ends,
// restarting it after a short pause when it returns or panics.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		for {
			err := s.runOne(name, fn)
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

func (s *Supervisor) runOne(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("goroutine panicked",
				logx.String("name", name), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return fn(s.ctx)
}

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Counters() Counters {
	return Counters{
		Started: s.started.Load(),
		Active:  s.active.Load(),
		Panics:  s.panics.Load(),
	}
}

// Stop cancels the context and waits up to timeout for goroutines to exit.
// Returns an error naming how many were abandoned.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("supervisor: %d goroutines still active after %s", s.active.Load(), timeout)
	}
}
