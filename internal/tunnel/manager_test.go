package tunnel

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/hpcforge/slurmgate/internal/core"
	"github.com/hpcforge/slurmgate/internal/db"
	"github.com/hpcforge/slurmgate/internal/slurm"
)

func openTestStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func runningJob(node string, port int) slurm.Job {
	return slurm.Job{ID: "42", Name: "jupyter", User: "alice", State: slurm.StateRunning, Node: node, Port: port}
}

// freePort grabs an ephemeral port. With keepOpen the listener stays up for
// the test's duration so WaitReady succeeds against it.
func freePort(t *testing.T, keepOpen bool) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if keepOpen {
		t.Cleanup(func() { ln.Close() })
	} else {
		ln.Close()
	}
	return port
}

func TestOpenRejectsNonTunnelableJob(t *testing.T) {
	store := openTestStore(t)
	alloc := NewAllocator(9000, 9009)
	m := NewManager(store, alloc, testSupervisor("sleep 60", "sleep 60"),
		fakeChecker(nil, true, nil), 10000, 0)

	tests := []struct {
		name string
		job  slurm.Job
	}{
		{"pending job", slurm.Job{ID: "1", State: slurm.StatePending}},
		{"running without node", slurm.Job{ID: "2", State: slurm.StateRunning, Port: 8888}},
		{"running without port", slurm.Job{ID: "3", State: slurm.StateRunning, Node: "cn01"}},
		{"completed job", slurm.Job{ID: "4", State: slurm.StateCompleted, Node: "cn01", Port: 8888}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Open(context.Background(), tt.job)
			if !errors.Is(err, ErrInvalidJobState) {
				t.Fatalf("expected ErrInvalidJobState, got %v", err)
			}
		})
	}

	// Precondition failures must leave no trace: no rows, no ports
	rows, err := store.TunnelsByStatus(db.StatusCreating, db.StatusActive, db.StatusUnhealthy, db.StatusClosed, db.StatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no tunnel rows, got %d", len(rows))
	}
	if len(alloc.Allocations()) != 0 {
		t.Fatalf("expected no port allocations, got %v", alloc.Allocations())
	}
}

func TestOpenAndCloseLifecycle(t *testing.T) {
	store := openTestStore(t)
	port := freePort(t, true)
	alloc := NewAllocator(port, port)
	sup := testSupervisor("sleep 60", "sleep 60")
	m := NewManager(store, alloc, sup, fakeChecker(map[int]bool{}, true, nil), 10000, 0)

	tun, err := m.Open(context.Background(), runningJob("cn03", 8888))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if tun.Status != db.StatusActive {
		t.Fatalf("status = %v, want active", tun.Status)
	}
	if tun.LocalPort != port {
		t.Fatalf("local port = %d, want %d", tun.LocalPort, port)
	}
	if !Alive(tun.ForwarderPID) || !Alive(tun.RelayPID) {
		t.Fatal("tunnel processes not running after Open")
	}

	stored, err := store.GetTunnel(tun.ID)
	if err != nil {
		t.Fatalf("tunnel not persisted: %v", err)
	}
	if stored.JobID != "42" || stored.Node != "cn03" || stored.RemotePort != 8888 {
		t.Fatalf("persisted tunnel mismatch: %+v", stored)
	}
	if stored.LastCheckAt.IsZero() {
		t.Fatal("initial health check not recorded")
	}

	if err := m.Close(context.Background(), tun.ID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitGone(t, tun.ForwarderPID)
	waitGone(t, tun.RelayPID)

	closed, err := store.GetTunnel(tun.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != db.StatusClosed {
		t.Fatalf("status after close = %v, want closed", closed.Status)
	}
	if alloc.InUse(port) {
		t.Fatal("port still allocated after close")
	}

	// Closing again is a no-op success
	if err := m.Close(context.Background(), tun.ID); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpenRelayFailureRollsBack(t *testing.T) {
	store := openTestStore(t)
	alloc := NewAllocator(9000, 9000)
	sup := testSupervisor("sleep 60", "/nonexistent-relay-binary-for-test")
	m := NewManager(store, alloc, sup, fakeChecker(nil, true, nil), 10000, 0)

	_, err := m.Open(context.Background(), runningJob("cn03", 8888))
	if err == nil {
		t.Fatal("expected Open to fail")
	}
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *SpawnError, got %T", err)
	}

	if alloc.InUse(9000) {
		t.Fatal("port not released after spawn failure")
	}

	failed, err := store.TunnelsByStatus(db.StatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected one FAILED marker, got %d", len(failed))
	}
	if failed[0].JobID != "42" {
		t.Fatalf("FAILED marker job = %q", failed[0].JobID)
	}
}

func TestOpenPortNeverReadyRollsBack(t *testing.T) {
	store := openTestStore(t)
	port := freePort(t, false) // nothing will listen here
	alloc := NewAllocator(port, port)
	sup := NewSupervisor(core.TunnelConfig{
		ForwarderCommand: "sleep 60",
		RelayCommand:     "sleep 60",
		SpawnTimeout:     "300ms",
		TerminateTimeout: "2s",
	}, core.ClusterConfig{}, "")
	m := NewManager(store, alloc, sup, fakeChecker(nil, true, nil), 10000, 0)

	_, err := m.Open(context.Background(), runningJob("cn03", 8888))
	if err == nil {
		t.Fatal("expected Open to fail when the port never becomes reachable")
	}

	if alloc.InUse(port) {
		t.Fatal("port not released after verification failure")
	}
	failed, err := store.TunnelsByStatus(db.StatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected one FAILED marker, got %d", len(failed))
	}
	// Both halves of the pair must have been cleaned up
	if failed[0].ForwarderPID > 0 {
		waitGone(t, failed[0].ForwarderPID)
	}
	if failed[0].RelayPID > 0 {
		waitGone(t, failed[0].RelayPID)
	}
}

func TestCloseUnknownTunnel(t *testing.T) {
	store := openTestStore(t)
	m := NewManager(store, NewAllocator(9000, 9009), testSupervisor("sleep 60", "sleep 60"),
		fakeChecker(nil, true, nil), 10000, 0)

	err := m.Close(context.Background(), "no-such-id")
	if !errors.Is(err, ErrTunnelNotFound) {
		t.Fatalf("expected ErrTunnelNotFound, got %v", err)
	}
}

func TestRestore(t *testing.T) {
	store := openTestStore(t)
	alloc := NewAllocator(9000, 9009)
	sup := testSupervisor("sleep 60", "sleep 60")
	m := NewManager(store, alloc, sup, fakeChecker(nil, true, nil), 10000, 0)

	// Live pair: both processes really running with matching cmdlines
	live, err := sup.Spawn(context.Background(), SpawnSpec{LocalPort: 9000, ForwardPort: 19000})
	if err != nil {
		t.Fatal(err)
	}
	defer sup.Terminate(live.Forwarder.PID)
	defer sup.Terminate(live.Relay.PID)

	if err := store.InsertTunnel(&db.Tunnel{
		ID: "alive", JobID: "1", Node: "cn01", RemotePort: 8888, LocalPort: 9000,
		Status: db.StatusActive, Health: db.HealthUnknown,
		ForwarderPID: live.Forwarder.PID, RelayPID: live.Relay.PID,
		ForwarderCmdline: live.Forwarder.Cmdline, RelayCmdline: live.Relay.Cmdline,
	}); err != nil {
		t.Fatal(err)
	}

	// Dead pair: spawn then kill so the pids are certainly gone
	dead, err := sup.Spawn(context.Background(), SpawnSpec{LocalPort: 9001, ForwardPort: 19001})
	if err != nil {
		t.Fatal(err)
	}
	sup.Terminate(dead.Forwarder.PID)
	sup.Terminate(dead.Relay.PID)
	waitGone(t, dead.Forwarder.PID)
	waitGone(t, dead.Relay.PID)

	if err := store.InsertTunnel(&db.Tunnel{
		ID: "dead", JobID: "2", Node: "cn02", RemotePort: 8888, LocalPort: 9001,
		Status: db.StatusActive, Health: db.HealthUnknown,
		ForwarderPID: dead.Forwarder.PID, RelayPID: dead.Relay.PID,
		ForwarderCmdline: dead.Forwarder.Cmdline, RelayCmdline: dead.Relay.Cmdline,
	}); err != nil {
		t.Fatal(err)
	}

	summary := m.Restore(context.Background())
	if summary.Restored != 1 || summary.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 restored / 1 failed", summary)
	}

	if !alloc.InUse(9000) {
		t.Fatal("restored tunnel's port not reserved")
	}
	if alloc.InUse(9001) {
		t.Fatal("dead tunnel's port must not be reserved")
	}

	deadRow, err := store.GetTunnel("dead")
	if err != nil {
		t.Fatal(err)
	}
	if deadRow.Status != db.StatusFailed {
		t.Fatalf("dead tunnel status = %v, want failed", deadRow.Status)
	}
	aliveRow, err := store.GetTunnel("alive")
	if err != nil {
		t.Fatal(err)
	}
	if aliveRow.Status != db.StatusActive {
		t.Fatalf("alive tunnel status = %v, want active", aliveRow.Status)
	}
}

func TestCheckAllTransitionsAndAutoClose(t *testing.T) {
	store := openTestStore(t)
	alloc := NewAllocator(9000, 9009)

	healthy := true
	checker := &Checker{
		probeTimeout: time.Second,
		parallelism:  2,
		inspect: func(pid int) (*ProcessHealth, error) {
			return &ProcessHealth{PID: pid, Running: healthy}, nil
		},
		probe: func(port int, timeout time.Duration) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		},
	}
	// Threshold 2: one bad sweep demotes, the second closes
	m := NewManager(store, alloc, testSupervisor("sleep 60", "sleep 60"), checker, 10000, 2)

	// Pids that don't exist; Terminate treats ESRCH as success on auto-close
	if err := store.InsertTunnel(&db.Tunnel{
		ID: "t1", JobID: "1", Node: "cn01", RemotePort: 8888, LocalPort: 9000,
		Status: db.StatusActive, Health: db.HealthUnknown,
		ForwarderPID: 4000001, RelayPID: 4000002,
	}); err != nil {
		t.Fatal(err)
	}
	if err := alloc.Reserve(9000, "tunnel:t1"); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	// Healthy sweep keeps it active
	if _, err := m.CheckAll(ctx); err != nil {
		t.Fatal(err)
	}
	row, _ := store.GetTunnel("t1")
	if row.Status != db.StatusActive || row.Health != db.HealthHealthy {
		t.Fatalf("after healthy sweep: %v/%v", row.Status, row.Health)
	}

	// First bad sweep demotes but must not close
	healthy = false
	if _, err := m.CheckAll(ctx); err != nil {
		t.Fatal(err)
	}
	row, _ = store.GetTunnel("t1")
	if row.Status != db.StatusUnhealthy {
		t.Fatalf("after first bad sweep: %v, want unhealthy", row.Status)
	}

	// Recovery resets the failure count and reactivates
	healthy = true
	if _, err := m.CheckAll(ctx); err != nil {
		t.Fatal(err)
	}
	row, _ = store.GetTunnel("t1")
	if row.Status != db.StatusActive {
		t.Fatalf("after recovery sweep: %v, want active", row.Status)
	}

	// Two consecutive bad sweeps reach the threshold and auto-close
	healthy = false
	if _, err := m.CheckAll(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CheckAll(ctx); err != nil {
		t.Fatal(err)
	}
	row, _ = store.GetTunnel("t1")
	if row.Status != db.StatusClosed {
		t.Fatalf("after threshold sweeps: %v, want closed", row.Status)
	}
	if alloc.InUse(9000) {
		t.Fatal("auto-closed tunnel's port not released")
	}
}
