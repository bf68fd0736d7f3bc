// Package supervisor runs the bot's long-lived goroutines under one context:
// the update poller, command workers, config watcher and reload loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	logx "lmsbot/pkg/logx"
)

// Supervisor owns a set of named goroutines sharing one context. Panics are
// recovered and reported as errors; with WithCancelOnError the first error
// cancels every sibling.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	firstErr atomic.Pointer[error]
	wg       sync.WaitGroup
	waitOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	tasks map[string]*task
}

type SupervisorOption func(*Supervisor)

// Counters are operational signals only.
type Counters struct {
	Active  int64
	Started uint64
}

// TaskStatus describes one named goroutine.
type TaskStatus struct {
	Name     string
	Running  bool
	Restarts int
	LastErr  string
}

type task struct {
	name     string
	starts   atomic.Uint64
	running  atomic.Int64
	restarts atomic.Int64
	lastErr  atomic.Pointer[string]
}

func (t *task) setErr(err error) {
	if err == nil {
		return
	}
	s := err.Error()
	t.lastErr.Store(&s)
}

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first non-nil error cancel the shared context.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		tasks:  make(map[string]*task),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) task(name string) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		t = &task{name: name}
		s.tasks[name] = t
	}
	return t
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var c Counters
	for _, t := range s.tasks {
		c.Active += t.running.Load()
		c.Started += t.starts.Load()
	}
	return c
}

// Tasks reports every goroutine this supervisor has run, sorted by name.
func (s *Supervisor) Tasks() []TaskStatus {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		st := TaskStatus{
			Name:     t.name,
			Running:  t.running.Load() > 0,
			Restarts: int(t.restarts.Load()),
		}
		if e := t.lastErr.Load(); e != nil {
			st.LastErr = *e
		}
		out = append(out, st)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b TaskStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Go runs fn once. A returned error other than context.Canceled, or a
// panic, is recorded as the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	t := s.task(name)
	t.starts.Add(1)
	t.running.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer t.running.Add(-1)

		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.call(name, fn)
		if err != nil && !errors.Is(err, context.Canceled) {
			t.setErr(err)
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// call runs fn with panic recovery.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.firstErr.CompareAndSwap(nil, &err)
	if s.cancelOnErr {
		s.cancel()
	}
}
