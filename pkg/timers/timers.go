// Package timers implements the agent's periodic background tasks
// (heartbeat, stats tick, image scan) as a small reusable runner. One
// task's panic or returned error is logged and does not stop the others.
package timers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelrun/nodeagent/pkg/log"
)

// Task is one named periodic unit of work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Set runs a fixed collection of Tasks, each on its own ticker, until
// stopped.
type Set struct {
	tasks  []Task
	logger zerolog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New constructs a timer set over tasks. Any task with a non-positive
// Interval is skipped (e.g. image scan disabled by configuration).
func New(tasks []Task) *Set {
	return &Set{
		tasks:  tasks,
		logger: log.WithComponent("timers"),
		stopCh: make(chan struct{}),
	}
}

// Start launches one goroutine per task. Each task runs once immediately
// and then on its own ticker; a panic or returned error is logged and that
// task's loop continues to its next tick rather than propagating.
func (s *Set) Start(ctx context.Context) {
	for _, t := range s.tasks {
		if t.Interval <= 0 {
			continue
		}
		t := t
		s.wg.Add(1)
		go s.runLoop(ctx, t)
	}
}

func (s *Set) runLoop(ctx context.Context, t Task) {
	defer s.wg.Done()

	s.runOnce(ctx, t)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, t)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Set) runOnce(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("task", t.Name).Interface("panic", r).Msg("timer task panicked")
		}
	}()
	if err := t.Run(ctx); err != nil {
		s.logger.Warn().Err(err).Str("task", t.Name).Msg("timer task failed")
	}
}

// Stop signals every task loop to exit and waits for them to return.
func (s *Set) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
