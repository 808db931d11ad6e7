package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTaskStartTickStop(t *testing.T) {
	var ticks atomic.Int64
	task := NewTask("test", 50*time.Millisecond, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	})

	if task.Status().Running {
		t.Fatal("task must not run before Start")
	}

	if err := task.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Starting twice is a no-op
	if err := task.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for ticks.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ticks.Load() < 2 {
		t.Fatalf("expected at least 2 ticks, got %d", ticks.Load())
	}

	task.Stop()
	status := task.Status()
	if status.Running {
		t.Fatal("task still reported running after Stop")
	}

	// No more ticks after Stop
	after := ticks.Load()
	time.Sleep(150 * time.Millisecond)
	if ticks.Load() != after {
		t.Fatalf("task ticked after Stop: %d -> %d", after, ticks.Load())
	}
	// Stopping again is fine
	task.Stop()
}

func TestTaskTickErrorIsSwallowed(t *testing.T) {
	var ticks atomic.Int64
	task := NewTask("flaky", 30*time.Millisecond, func(ctx context.Context) error {
		if ticks.Add(1) == 1 {
			return errors.New("transient failure")
		}
		return nil
	})
	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	defer task.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s := task.Status()
		// Loop survived the failed tick and later succeeded
		if s.TickCount >= 2 && !s.LastSuccess.IsZero() && s.LastError == "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task never recovered: %+v", task.Status())
}

func TestTaskRecordsLastError(t *testing.T) {
	task := NewTask("broken", 30*time.Millisecond, func(ctx context.Context) error {
		return errors.New("snapshot store gone")
	})
	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	defer task.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if task.Status().LastError != "" {
			if task.Status().LastError != "snapshot store gone" {
				t.Fatalf("LastError = %q", task.Status().LastError)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("tick error never recorded")
}

func TestTaskRestartWithInterval(t *testing.T) {
	task := NewTask("test", time.Minute, func(ctx context.Context) error { return nil })
	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	defer task.Stop()

	if err := task.RestartWithInterval(2 * time.Minute); err != nil {
		t.Fatalf("RestartWithInterval: %v", err)
	}
	status := task.Status()
	if !status.Running || status.Interval != 2*time.Minute {
		t.Fatalf("status after restart = %+v", status)
	}
}

func TestTaskRejectsBadInterval(t *testing.T) {
	task := NewTask("bad", 0, func(ctx context.Context) error { return nil })
	if err := task.Start(); err == nil {
		t.Fatal("expected error for non-positive interval")
	}
}

func TestStopWaitsForInFlightTick(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	task := NewTask("slow", 20*time.Millisecond, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	if err := task.Start(); err != nil {
		t.Fatal(err)
	}

	<-started
	stopped := make(chan struct{})
	go func() {
		task.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a tick was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned after the tick finished")
	}
}
