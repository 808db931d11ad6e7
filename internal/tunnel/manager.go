// Package tunnel keeps the registry of {job, local port, forwarder+relay
// process pair, health state} consistent with reality on the cluster,
// across daemon restarts and transient failures.
package tunnel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hpcforge/slurmgate/internal/db"
	"github.com/hpcforge/slurmgate/internal/slurm"
)

// Manager orchestrates the allocator, supervisor and checker to create,
// restore and close tunnels. It is explicitly constructed and owned by the
// daemon's startup sequence - no package-level singleton.
type Manager struct {
	store   *db.DB
	alloc   *Allocator
	sup     *Supervisor
	checker *Checker

	forwardOffset      int
	autoCloseThreshold int // consecutive unhealthy sweeps before auto-close; 0 = report only

	mu       sync.Mutex
	locks    map[string]*sync.Mutex // per-tunnel serialization of state transitions
	failures map[string]int         // consecutive unhealthy sweeps per tunnel
}

// NewManager wires the lifecycle manager
func NewManager(store *db.DB, alloc *Allocator, sup *Supervisor, checker *Checker, forwardOffset, autoCloseThreshold int) *Manager {
	return &Manager{
		store:              store,
		alloc:              alloc,
		sup:                sup,
		checker:            checker,
		forwardOffset:      forwardOffset,
		autoCloseThreshold: autoCloseThreshold,
		locks:              make(map[string]*sync.Mutex),
		failures:           make(map[string]int),
	}
}

// lockFor returns the mutex serializing operations on one tunnel id.
// Operations on distinct tunnels proceed concurrently.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.locks[id]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[id] = lk
	}
	return lk
}

func (m *Manager) forgetTunnel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, id)
	delete(m.failures, id)
}

// Open creates a tunnel for a running job: allocate a local port, spawn the
// forwarder and relay, wait for the port to accept connections, persist the
// record and run one immediate health check. Any failure past the
// allocation step rolls back completely - port released, processes
// terminated, only a FAILED marker row left behind.
func (m *Manager) Open(ctx context.Context, job slurm.Job) (*db.Tunnel, error) {
	if !job.Tunnelable() {
		return nil, fmt.Errorf("%w: job %s state=%s node=%q port=%d",
			ErrInvalidJobState, job.ID, job.State, job.Node, job.Port)
	}

	id := uuid.NewString()
	lk := m.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	localPort, err := m.alloc.Allocate("tunnel:" + id)
	if err != nil {
		return nil, err
	}

	spec := SpawnSpec{
		Node:        job.Node,
		RemotePort:  job.Port,
		LocalPort:   localPort,
		ForwardPort: localPort + m.forwardOffset,
	}

	res, err := m.sup.Spawn(ctx, spec)
	if err != nil {
		m.alloc.Release(localPort)
		m.recordFailure(id, job, spec, res, fmt.Sprintf("spawn failed: %v", err))
		return nil, err
	}

	if err := m.sup.WaitReady(ctx, localPort); err != nil {
		m.sup.bestEffortTerminate(res.Forwarder.PID, "forwarder")
		m.sup.bestEffortTerminate(res.Relay.PID, "relay")
		m.alloc.Release(localPort)
		m.recordFailure(id, job, spec, res, fmt.Sprintf("port never became reachable: %v", err))
		return nil, err
	}

	t := &db.Tunnel{
		ID:               id,
		JobID:            job.ID,
		Node:             job.Node,
		RemotePort:       job.Port,
		LocalPort:        localPort,
		Status:           db.StatusActive,
		Health:           db.HealthUnknown,
		ForwarderPID:     res.Forwarder.PID,
		RelayPID:         res.Relay.PID,
		ForwarderCmdline: res.Forwarder.Cmdline,
		RelayCmdline:     res.Relay.Cmdline,
	}
	if err := m.store.InsertTunnel(t); err != nil {
		m.sup.bestEffortTerminate(res.Forwarder.PID, "forwarder")
		m.sup.bestEffortTerminate(res.Relay.PID, "relay")
		m.alloc.Release(localPort)
		return nil, fmt.Errorf("failed to persist tunnel: %w", err)
	}

	m.logEvent(id, "open", fmt.Sprintf("job %s node %s remote %d -> local %d (forwarder %d, relay %d)",
		job.ID, job.Node, job.Port, localPort, res.Forwarder.PID, res.Relay.PID))

	info := m.checker.Check(ctx, t)
	t.Health = info.Status
	t.LastCheckAt = info.CheckedAt
	if err := m.store.UpdateTunnelHealth(id, info.Status, info.CheckedAt); err != nil {
		slog.Error("Failed to record initial health check", "tunnel", id, "error", err)
	}

	slog.Info("Tunnel opened", "tunnel", id, "job", job.ID, "node", job.Node,
		"local_port", localPort, "health", info.Status)
	return t, nil
}

// recordFailure leaves a FAILED marker row so operators can see what was
// attempted. Marker persistence is best effort - the caller already has the
// real error.
func (m *Manager) recordFailure(id string, job slurm.Job, spec SpawnSpec, res SpawnResult, details string) {
	t := &db.Tunnel{
		ID:               id,
		JobID:            job.ID,
		Node:             job.Node,
		RemotePort:       job.Port,
		LocalPort:        spec.LocalPort,
		Status:           db.StatusFailed,
		Health:           db.HealthUnknown,
		ForwarderPID:     res.Forwarder.PID,
		RelayPID:         res.Relay.PID,
		ForwarderCmdline: res.Forwarder.Cmdline,
		RelayCmdline:     res.Relay.Cmdline,
	}
	if err := m.store.InsertTunnel(t); err != nil {
		slog.Error("Failed to persist FAILED marker", "tunnel", id, "error", err)
	}
	m.logEvent(id, "open_failed", details)
	m.forgetTunnel(id)
}

// Close tears down a tunnel: terminate both processes (best effort),
// release the port, mark the row CLOSED. Closing an already-closed or
// failed tunnel is a no-op success.
func (m *Manager) Close(ctx context.Context, id string) error {
	lk := m.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	t, err := m.store.GetTunnel(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrTunnelNotFound, id)
		}
		return err
	}

	if t.Status == db.StatusClosed || t.Status == db.StatusFailed {
		return nil
	}

	// Termination failures are logged, never fatal - the tunnel still ends
	// up CLOSED and the port is still released.
	if err := m.sup.Terminate(t.ForwarderPID); err != nil {
		slog.Error("Failed to terminate forwarder", "tunnel", id, "pid", t.ForwarderPID, "error", err)
	}
	if err := m.sup.Terminate(t.RelayPID); err != nil {
		slog.Error("Failed to terminate relay", "tunnel", id, "pid", t.RelayPID, "error", err)
	}

	m.alloc.Release(t.LocalPort)

	if err := m.store.UpdateTunnelStatus(id, db.StatusClosed); err != nil {
		return fmt.Errorf("failed to mark tunnel closed: %w", err)
	}
	m.logEvent(id, "close", "")
	m.forgetTunnel(id)

	slog.Info("Tunnel closed", "tunnel", id, "local_port", t.LocalPort)
	return nil
}

// RestoreSummary reports the outcome of startup recovery
type RestoreSummary struct {
	Restored int
	Failed   int
}

// Restore is invoked once at daemon startup. It walks every tunnel
// persisted as ACTIVE or UNHEALTHY, re-resolves process liveness (a
// recorded pid may belong to an unrelated process after a reboot) and
// either re-registers the tunnel's port or marks the row FAILED. Failures
// are isolated per tunnel - one bad record never aborts recovery.
func (m *Manager) Restore(ctx context.Context) RestoreSummary {
	var summary RestoreSummary

	tunnels, err := m.store.TunnelsByStatus(db.StatusActive, db.StatusUnhealthy, db.StatusCreating)
	if err != nil {
		slog.Error("Failed to load persisted tunnels for restore", "error", err)
		return summary
	}

	for _, t := range tunnels {
		if m.restoreOne(t) {
			summary.Restored++
		} else {
			summary.Failed++
		}
	}

	slog.Info("Tunnel restore complete", "restored", summary.Restored, "failed", summary.Failed)
	return summary
}

func (m *Manager) restoreOne(t *db.Tunnel) bool {
	lk := m.lockFor(t.ID)
	lk.Lock()
	defer lk.Unlock()

	fwdOK := ValidateProcess(t.ForwarderPID, t.ForwarderCmdline)
	relayOK := ValidateProcess(t.RelayPID, t.RelayCmdline)

	if !fwdOK || !relayOK {
		// Kill whichever half survived, otherwise it leaks
		if fwdOK {
			m.sup.bestEffortTerminate(t.ForwarderPID, "forwarder")
		}
		if relayOK {
			m.sup.bestEffortTerminate(t.RelayPID, "relay")
		}
		if err := m.store.UpdateTunnelStatus(t.ID, db.StatusFailed); err != nil {
			slog.Error("Failed to mark dead tunnel", "tunnel", t.ID, "error", err)
		}
		m.logEvent(t.ID, "restore_failed", fmt.Sprintf("forwarder_alive=%v relay_alive=%v", fwdOK, relayOK))
		m.forgetTunnel(t.ID)
		return false
	}

	if err := m.alloc.Reserve(t.LocalPort, "tunnel:"+t.ID); err != nil {
		// Port invariant violated - keep the live pair that registered
		// first and retire this one.
		slog.Error("Port conflict during restore", "tunnel", t.ID, "port", t.LocalPort, "error", err)
		m.sup.bestEffortTerminate(t.ForwarderPID, "forwarder")
		m.sup.bestEffortTerminate(t.RelayPID, "relay")
		if err := m.store.UpdateTunnelStatus(t.ID, db.StatusFailed); err != nil {
			slog.Error("Failed to mark conflicting tunnel", "tunnel", t.ID, "error", err)
		}
		m.forgetTunnel(t.ID)
		return false
	}

	if t.Status != db.StatusActive {
		if err := m.store.UpdateTunnelStatus(t.ID, db.StatusActive); err != nil {
			slog.Error("Failed to reactivate restored tunnel", "tunnel", t.ID, "error", err)
		}
	}
	m.logEvent(t.ID, "restore", fmt.Sprintf("forwarder %d relay %d port %d", t.ForwarderPID, t.RelayPID, t.LocalPort))
	return true
}

// CheckAll sweeps every live tunnel and applies status transitions:
// ACTIVE -> UNHEALTHY on a bad reading, UNHEALTHY -> ACTIVE on recovery.
// A single unhealthy reading never closes a tunnel; with a non-zero
// auto-close threshold, that many consecutive unhealthy sweeps do.
func (m *Manager) CheckAll(ctx context.Context) (map[string]HealthInfo, error) {
	tunnels, err := m.store.TunnelsByStatus(db.StatusActive, db.StatusUnhealthy)
	if err != nil {
		return nil, err
	}

	infos := m.checker.CheckAll(ctx, tunnels)

	for _, t := range tunnels {
		info, ok := infos[t.ID]
		if !ok {
			continue
		}
		m.applyHealth(ctx, t, info)
	}
	return infos, nil
}

func (m *Manager) applyHealth(ctx context.Context, t *db.Tunnel, info HealthInfo) {
	lk := m.lockFor(t.ID)
	lk.Lock()

	if err := m.store.UpdateTunnelHealth(t.ID, info.Status, info.CheckedAt); err != nil {
		slog.Error("Failed to record health", "tunnel", t.ID, "error", err)
	}

	var closeNow bool
	switch info.Status {
	case db.HealthHealthy:
		m.mu.Lock()
		m.failures[t.ID] = 0
		m.mu.Unlock()
		if t.Status == db.StatusUnhealthy {
			if err := m.store.UpdateTunnelStatus(t.ID, db.StatusActive); err != nil {
				slog.Error("Failed to reactivate tunnel", "tunnel", t.ID, "error", err)
			} else {
				m.logEvent(t.ID, "recovered", "")
				slog.Info("Tunnel recovered", "tunnel", t.ID)
			}
		}

	case db.HealthUnhealthy:
		m.mu.Lock()
		m.failures[t.ID]++
		failures := m.failures[t.ID]
		m.mu.Unlock()

		if t.Status == db.StatusActive {
			if err := m.store.UpdateTunnelStatus(t.ID, db.StatusUnhealthy); err != nil {
				slog.Error("Failed to mark tunnel unhealthy", "tunnel", t.ID, "error", err)
			} else {
				m.logEvent(t.ID, "unhealthy", info.Err)
			}
		}
		slog.Warn("Tunnel health check failed", "tunnel", t.ID,
			"consecutive_failures", failures, "auto_close_threshold", m.autoCloseThreshold)

		closeNow = m.autoCloseThreshold > 0 && failures >= m.autoCloseThreshold

	case db.HealthUnknown:
		// Probe failure - absorbed, no status transition and no failure
		// count increment to avoid closing on our own blind spots.
		if info.Err != "" {
			slog.Warn("Tunnel health unknown", "tunnel", t.ID, "error", info.Err)
		}
	}

	lk.Unlock()

	if closeNow {
		m.logEvent(t.ID, "auto_close", fmt.Sprintf("%d consecutive unhealthy checks", m.autoCloseThreshold))
		if err := m.Close(ctx, t.ID); err != nil {
			slog.Error("Auto-close failed", "tunnel", t.ID, "error", err)
		}
	}
}

// Live returns tunnels currently CREATING, ACTIVE or UNHEALTHY
func (m *Manager) Live() ([]*db.Tunnel, error) {
	return m.store.TunnelsByStatus(db.StatusCreating, db.StatusActive, db.StatusUnhealthy)
}

// Get returns one tunnel by id
func (m *Manager) Get(id string) (*db.Tunnel, error) {
	t, err := m.store.GetTunnel(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTunnelNotFound, id)
	}
	return t, err
}

// Allocator exposes the port allocator, used by status reporting
func (m *Manager) Allocator() *Allocator {
	return m.alloc
}

func (m *Manager) logEvent(id, eventType, details string) {
	if err := m.store.LogTunnelEvent(id, eventType, details); err != nil {
		slog.Error("Failed to log tunnel event", "tunnel", id, "event", eventType, "error", err)
	}
}
