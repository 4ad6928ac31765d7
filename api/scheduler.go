/*
scheduler.go - Lesson completion scheduler

PURPOSE:
  Periodically moves upcoming bookings whose lesson has ended to completed
  by calling Engine.CompleteElapsed. Nothing else reaches the completed
  state.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Each elapsed booking is completed in its own transaction, so a cancel
    or reschedule that commits first simply wins

USAGE:
  scheduler := NewCompletionScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - engine/complete.go: CompleteElapsed
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/lesson-engine/engine"
)

// Completer is the part of the engine the scheduler drives.
type Completer interface {
	CompleteElapsed(ctx context.Context) (int, error)
}

var _ Completer = (*engine.Engine)(nil)

// CompletionScheduler handles automated lesson completion.
type CompletionScheduler struct {
	Completer     Completer
	CheckInterval time.Duration
	Enabled       bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCompletionScheduler creates a new scheduler checking once a minute.
func NewCompletionScheduler(c Completer, log *zap.Logger) *CompletionScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CompletionScheduler{
		Completer:     c,
		CheckInterval: time.Minute,
		Enabled:       true,
		log:           log,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (cs *CompletionScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.log.Info("completion scheduler disabled, not starting")
		return
	}
	if cs.ticker != nil {
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.wg.Add(1)

	go cs.run()

	cs.log.Info("completion scheduler started", zap.Duration("interval", cs.CheckInterval))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (cs *CompletionScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		cs.ticker = nil
		cs.log.Info("completion scheduler stopped")
	}
}

func (cs *CompletionScheduler) run() {
	defer cs.wg.Done()

	cs.sweep()

	for {
		select {
		case <-cs.ticker.C:
			cs.sweep()
		case <-cs.stop:
			return
		}
	}
}

func (cs *CompletionScheduler) sweep() {
	n, err := cs.Completer.CompleteElapsed(context.Background())
	if err != nil {
		cs.log.Error("completion sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		cs.log.Info("completed elapsed bookings", zap.Int("count", n))
	}
}
