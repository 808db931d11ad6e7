// Package monitor runs the fixed-interval background snapshot tasks.
// The scheduling is deliberately decoupled from the snapshot logic so the
// cadence is testable without the work and vice versa.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TickFunc performs one unit of monitoring work
type TickFunc func(ctx context.Context) error

// Status is a point-in-time report of a task's loop
type Status struct {
	Name        string        `json:"name"`
	Running     bool          `json:"running"`
	Interval    time.Duration `json:"interval"`
	TickCount   uint64        `json:"tick_count"`
	LastSuccess time.Time     `json:"last_success"`
	LastError   string        `json:"last_error,omitempty"`
}

// Task is a repeating loop at a fixed interval. Tick errors are logged and
// swallowed so the cadence is never broken by one bad tick. Ticks fire on
// the cron schedule regardless of how long the previous tick took;
// overlapping ticks are allowed.
type Task struct {
	name string
	tick TickFunc

	mu          sync.Mutex
	interval    time.Duration
	cron        *cron.Cron
	ticks       uint64
	lastSuccess time.Time
	lastError   string
}

// NewTask creates a stopped task. Call Start to begin the loop.
func NewTask(name string, interval time.Duration, tick TickFunc) *Task {
	return &Task{name: name, interval: interval, tick: tick}
}

// Start launches the repeating loop. Starting a running task is a no-op.
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cron != nil {
		return nil
	}
	if t.interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive, got %v", t.name, t.interval)
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", t.interval), t.runTick); err != nil {
		return fmt.Errorf("task %s: failed to schedule: %w", t.name, err)
	}
	c.Start()
	t.cron = c

	slog.Info("Monitoring task started", "task", t.name, "interval", t.interval)
	return nil
}

// Stop cancels the loop and waits for any in-flight tick to finish, so a
// tick never fires against a torn-down resource.
func (t *Task) Stop() {
	t.mu.Lock()
	c := t.cron
	t.cron = nil
	t.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	slog.Info("Monitoring task stopped", "task", t.name)
}

// RestartWithInterval is stop-then-start with a new period
func (t *Task) RestartWithInterval(interval time.Duration) error {
	t.Stop()

	t.mu.Lock()
	t.interval = interval
	t.mu.Unlock()

	return t.Start()
}

// Status reports whether the loop runs, its period and tick bookkeeping
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Name:        t.name,
		Running:     t.cron != nil,
		Interval:    t.interval,
		TickCount:   t.ticks,
		LastSuccess: t.lastSuccess,
		LastError:   t.lastError,
	}
}

func (t *Task) runTick() {
	t.mu.Lock()
	t.ticks++
	interval := t.interval
	t.mu.Unlock()

	// Bound each tick by its own period so a wedged tick cannot pile up
	// forever behind a stuck collaborator.
	ctx, cancel := context.WithTimeout(context.Background(), interval)
	defer cancel()

	if err := t.tick(ctx); err != nil {
		slog.Error("Monitoring tick failed", "task", t.name, "error", err)
		t.mu.Lock()
		t.lastError = err.Error()
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	t.lastSuccess = time.Now()
	t.lastError = ""
	t.mu.Unlock()
}
