// Package supervisor runs the server's long-lived goroutines under one
// context and keeps a status record per named task.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "taskboard/pkg/logx"
)

// Supervisor owns a cancelable context and the tasks started under it.
// Panics inside a task are recovered and reported as that task's error.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	failFast bool

	wg    sync.WaitGroup
	mu    sync.Mutex
	err   error
	tasks map[string]*TaskStatus
}

// TaskStatus describes one named task.
type TaskStatus struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"lastError,omitempty"`
	Since     time.Time `json:"since"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// FailFast cancels every task as soon as one of them fails.
func FailFast() Option {
	return func(s *Supervisor) { s.failFast = true }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, tasks: map[string]*TaskStatus{}}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context and returns immediately.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first task failure, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Status lists every task started so far, ordered by name.
func (s *Supervisor) Status() []TaskStatus {
	s.mu.Lock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Go runs fn once. A non-nil result other than context.Canceled counts as
// a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.track(name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.call(name, fn)
		s.finish(name, err)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

// Retry tunes GoRetry.
type Retry struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// Limit caps restarts; zero means unlimited.
	Limit int
	// Report records the first failure in Err even when a restart follows.
	Report bool
}

// GoRetry runs fn until it returns nil or the context ends, restarting it
// after failures with doubling backoff. A run that lasted longer than
// MaxBackoff resets the backoff.
func (s *Supervisor) GoRetry(name string, fn func(ctx context.Context) error, r Retry) {
	if r.MinBackoff <= 0 {
		r.MinBackoff = 250 * time.Millisecond
	}
	if r.MaxBackoff < r.MinBackoff {
		r.MaxBackoff = r.MinBackoff
	}
	s.track(name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wait := r.MinBackoff
		for restarts := 0; ; restarts++ {
			began := time.Now()
			err := s.call(name, fn)
			if err == nil || errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
				s.finish(name, nil)
				return
			}
			wrapped := fmt.Errorf("%s: %w", name, err)
			if r.Limit > 0 && restarts >= r.Limit {
				s.log.Error("task failed too often; giving up", logx.String("task", name), logx.Int("restarts", restarts), logx.Err(err))
				s.finish(name, err)
				s.fail(wrapped)
				return
			}
			if r.Report {
				s.record(wrapped)
			}
			if time.Since(began) > r.MaxBackoff {
				wait = r.MinBackoff
			}
			s.restarted(name, err)
			s.log.Warn("task failed; restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				s.finish(name, nil)
				return
			case <-time.After(wait):
			}
			wait = min(wait*2, r.MaxBackoff)
		}
	}()
}

// Stop cancels the context and waits for every task.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return s.Err()
	}
}

func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) track(name string) {
	s.mu.Lock()
	s.tasks[name] = &TaskStatus{Name: name, Running: true, Since: time.Now()}
	s.mu.Unlock()
	s.log.Debug("task started", logx.String("task", name))
}

func (s *Supervisor) restarted(name string, err error) {
	s.mu.Lock()
	if t := s.tasks[name]; t != nil {
		t.Restarts++
		t.LastError = err.Error()
		t.Since = time.Now()
	}
	s.mu.Unlock()
}

func (s *Supervisor) finish(name string, err error) {
	s.mu.Lock()
	if t := s.tasks[name]; t != nil {
		t.Running = false
		t.Since = time.Now()
		if err != nil && !errors.Is(err, context.Canceled) {
			t.LastError = err.Error()
		}
	}
	s.mu.Unlock()
	s.log.Debug("task stopped", logx.String("task", name))
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.failFast {
		s.cancel()
	}
}
