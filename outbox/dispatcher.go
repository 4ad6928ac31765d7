/*
dispatcher.go - Sync outbox dispatcher

PURPOSE:
  Drains the sync_tasks written by the engine in the same transaction as
  each booking change, and performs the external side effects: calendar
  push/patch/delete and notifications. Nothing here ever reaches the caller
  of a booking operation; failures are logged and retried.

ORDERING:
  Each pass loads due tasks in Seq order. Tasks of one reschedule chain
  (same ChainID) run strictly one after another: once a task of a chain
  fails, later tasks of that chain wait. The store leaves chains that are
  backing off out of the batch, so a backlog of failing chains never
  crowds out the others. A full batch triggers another pass right away.

RETRY:
  attempt n fails -> next attempt after BaseBackoff * 2^(n-1), capped at
  MaxBackoff. After MaxAttempts failures the task is marked dead.

EVENT REFERENCES:
  A successful push writes the returned reference onto the booking and onto
  every reschedule successor that has none yet. If that write fails, the
  reference is kept on the task and the retry only repeats the write, so
  the calendar never gets a second event. Patch and delete read the
  reference from the store when they run, so a push that succeeded late is
  still honoured. No reference means there is nothing to patch or delete.

USAGE:
  d := outbox.New(store, calendarClient, notifier, outbox.WithLogger(zl))
  eng := engine.New(store, engine.WithWaker(d))
  d.Start()
  defer d.Stop()

SEE ALSO:
  - engine/sync.go: SyncTask, CalendarAdapter, Notifier
  - api/scheduler.go: the completion sweep, same ticker pattern
*/
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/lesson-engine/engine"
)

// Config tunes the dispatcher.
type Config struct {
	Interval    time.Duration // poll interval between passes
	BatchSize   int           // tasks loaded per pass
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		BatchSize:   100,
		MaxAttempts: 8,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  10 * time.Minute,
	}
}

// Stats summarises one pass.
type Stats struct {
	Done    int
	Retried int
	Dead    int
	Waiting int // blocked behind an earlier task of the chain
}

type Dispatcher struct {
	store    engine.OutboxStore
	calendar engine.CalendarAdapter
	notifier engine.Notifier
	clock    engine.Clock
	log      *zap.Logger
	cfg      Config

	pass sync.Mutex // one RunOnce at a time

	mu      sync.Mutex
	running bool
	wake    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Dispatcher)

func WithConfig(cfg Config) Option { return func(d *Dispatcher) { d.cfg = cfg } }

func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.log = l } }

func WithClock(c engine.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

// New creates a dispatcher. calendar and notifier may be nil, in which case
// tasks of that kind complete without doing anything.
func New(store engine.OutboxStore, calendar engine.CalendarAdapter, notifier engine.Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		calendar: calendar,
		notifier: notifier,
		clock:    engine.SystemClock{},
		log:      zap.NewNop(),
		cfg:      DefaultConfig(),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cfg.MaxAttempts < 1 {
		d.cfg.MaxAttempts = 1
	}
	if d.cfg.BatchSize < 1 {
		d.cfg.BatchSize = DefaultConfig().BatchSize
	}
	return d
}

// Wake asks for a pass as soon as possible. Never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start runs passes in the background until Stop.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.wg.Add(1)
	go d.run()

	d.log.Info("outbox dispatcher started", zap.Duration("interval", d.cfg.Interval))
}

// Stop halts the background loop and waits for the current pass.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	close(d.stop)
	d.wg.Wait()
	d.running = false
	d.log.Info("outbox dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-d.stop
		cancel()
	}()

	for {
		if _, err := d.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("outbox pass failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-d.wake:
		case <-d.stop:
			return
		}
	}
}

// RunOnce processes every pending task that is due, honouring per-chain
// order.
func (d *Dispatcher) RunOnce(ctx context.Context) (Stats, error) {
	d.pass.Lock()
	defer d.pass.Unlock()

	var stats Stats
	tasks, err := d.store.DueSyncTasks(ctx, d.clock.Now(), d.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to load sync tasks: %w", err)
	}

	blocked := make(map[engine.BookingID]bool)
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		now := d.clock.Now()
		if blocked[task.ChainID] || !task.Due(now) {
			blocked[task.ChainID] = true
			stats.Waiting++
			continue
		}

		procErr := d.process(ctx, &task)
		task.Attempts++
		switch {
		case procErr == nil:
			task.Status = engine.SyncDone
			task.LastError = ""
			stats.Done++
		case task.Attempts >= d.cfg.MaxAttempts:
			task.Status = engine.SyncDead
			task.LastError = procErr.Error()
			stats.Dead++
			d.log.Error("sync task abandoned",
				zap.String("task_id", task.ID),
				zap.String("kind", string(task.Kind)),
				zap.String("booking_id", string(task.BookingID)),
				zap.Int("attempts", task.Attempts),
				zap.String("event_ref", task.EventRef),
				zap.Error(procErr),
			)
		default:
			task.LastError = procErr.Error()
			task.NextAttemptAt = now.Add(d.backoff(task.Attempts))
			blocked[task.ChainID] = true
			stats.Retried++
			d.log.Warn("sync task failed, will retry",
				zap.String("task_id", task.ID),
				zap.String("kind", string(task.Kind)),
				zap.String("booking_id", string(task.BookingID)),
				zap.Int("attempts", task.Attempts),
				zap.Time("next_attempt_at", task.NextAttemptAt),
				zap.Error(procErr),
			)
		}

		if err := d.store.UpdateSyncTask(ctx, task); err != nil {
			return stats, fmt.Errorf("failed to record sync task %s: %w", task.ID, err)
		}
	}

	progressed := stats.Done+stats.Retried+stats.Dead > 0
	if progressed && len(tasks) == d.cfg.BatchSize {
		d.Wake()
	}
	if progressed {
		d.log.Debug("outbox pass",
			zap.Int("done", stats.Done),
			zap.Int("retried", stats.Retried),
			zap.Int("dead", stats.Dead),
			zap.Int("waiting", stats.Waiting),
		)
	}
	return stats, nil
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	wait := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		wait *= 2
		if d.cfg.MaxBackoff > 0 && wait >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return wait
}

// =============================================================================
// TASK HANDLERS
// =============================================================================

func (d *Dispatcher) process(ctx context.Context, task *engine.SyncTask) error {
	switch task.Kind {
	case engine.SyncCalendarPush:
		return d.push(ctx, task)
	case engine.SyncCalendarPatch:
		ref, err := d.eventRef(ctx, *task)
		if err != nil || ref == "" || d.calendar == nil {
			return err
		}
		return d.calendar.PatchEvent(ctx, task.TutorID, ref, task.Slot)
	case engine.SyncCalendarDelete:
		ref, err := d.eventRef(ctx, *task)
		if err != nil || ref == "" || d.calendar == nil {
			return err
		}
		return d.calendar.DeleteEvent(ctx, task.TutorID, ref)
	case engine.SyncNotifyReserved, engine.SyncNotifyCancelled, engine.SyncNotifyRescheduled:
		if d.notifier == nil {
			return nil
		}
		return d.notifier.Notify(ctx, engine.Notification{
			Kind:      task.Kind,
			BookingID: task.BookingID,
			StudentID: task.StudentID,
			TutorID:   task.TutorID,
			Slot:      task.Slot,
		})
	}
	return fmt.Errorf("unknown sync task kind %q", task.Kind)
}

// push creates the calendar event once. The reference is stored on the task
// before the booking update so a failed update is retried without pushing.
func (d *Dispatcher) push(ctx context.Context, task *engine.SyncTask) error {
	if d.calendar == nil {
		return nil
	}
	if task.EventRef == "" {
		ref, err := d.calendar.PushEvent(ctx, task.TutorID, task.Slot)
		if err != nil {
			return err
		}
		if ref == "" {
			return nil
		}
		task.EventRef = ref
	}
	err := d.store.WithTx(ctx, func(tx engine.Tx) error {
		return backfillEventRef(ctx, tx, task.BookingID, task.EventRef)
	})
	if err != nil {
		return fmt.Errorf("failed to record event ref %s: %w", task.EventRef, err)
	}
	return nil
}

// backfillEventRef sets ref on the booking and each reschedule successor
// that does not have one yet.
func backfillEventRef(ctx context.Context, tx engine.Tx, id engine.BookingID, ref string) error {
	for id != "" {
		b, err := tx.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		if b.ExternalEventRef == "" {
			b.ExternalEventRef = ref
			if err := tx.UpdateBooking(ctx, *b); err != nil {
				return err
			}
		}
		id = b.RescheduledToID
	}
	return nil
}

func (d *Dispatcher) eventRef(ctx context.Context, task engine.SyncTask) (string, error) {
	b, err := d.store.GetBooking(ctx, task.BookingID)
	if err != nil {
		return "", err
	}
	if b.ExternalEventRef == "" {
		d.log.Debug("no calendar event to update",
			zap.String("booking_id", string(task.BookingID)),
			zap.String("kind", string(task.Kind)),
		)
	}
	return b.ExternalEventRef, nil
}
