package search

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"exprcore/internal/core"
)

// Scheduler rebuilds an Index on a cron schedule and on demand. Requests that
// arrive while a rebuild is running are folded into a single follow-up run.
type Scheduler struct {
	index  *Index
	spec   string
	cron   *cron.Cron
	logger core.Logger

	mu      sync.Mutex
	running bool
	pending bool
	stopped bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l core.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScheduler validates spec (standard five-field cron or a descriptor such
// as "@hourly" or "@every 30m"). An empty spec disables the periodic job and
// leaves Trigger as the only way to rebuild.
func NewScheduler(index *Index, spec string, opts ...SchedulerOption) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{index: index, spec: spec, logger: core.NopLogger(), ctx: ctx, cancel: cancel}
	for _, opt := range opts {
		opt(s)
	}
	logger := cronLogger{s.logger}
	s.cron = cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger)))
	if spec != "" {
		if _, err := s.cron.AddFunc(spec, func() { s.Trigger() }); err != nil {
			cancel()
			return nil, fmt.Errorf("index rebuild schedule %q: %w", spec, err)
		}
	}
	return s, nil
}

// Start begins the periodic schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	if s.spec != "" {
		s.logger.Info("search index rebuild scheduled", "spec", s.spec)
	}
}

// Stop halts the schedule and waits for an in-flight rebuild, or for ctx.
// Triggers after Stop are refused.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	cronDone := s.cron.Stop()
	s.cancel()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger requests a rebuild. It reports false when the request was folded
// into one already running or the scheduler has been stopped.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if s.running {
		s.pending = true
		s.mu.Unlock()
		return false
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()
	go s.run()
	return true
}

// Wait blocks until no rebuild is running.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		if _, err := s.index.Rebuild(s.ctx); err != nil {
			s.logger.Error("search index rebuild failed", "error", err)
		}
		s.mu.Lock()
		if !s.pending || s.ctx.Err() != nil {
			s.running = false
			s.pending = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()
	}
}

type cronLogger struct{ l core.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
