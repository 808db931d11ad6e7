// Package db is the persistent tunnel registry. SQLite is the source of
// truth for tunnel state; in-memory views elsewhere are read-through only.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// TunnelStatus is the lifecycle state of a tunnel. Transitions are
// creating -> {active, failed}, active -> {unhealthy, closed, failed},
// unhealthy -> {active, closed}.
type TunnelStatus string

const (
	StatusCreating  TunnelStatus = "creating"
	StatusActive    TunnelStatus = "active"
	StatusUnhealthy TunnelStatus = "unhealthy"
	StatusClosed    TunnelStatus = "closed"
	StatusFailed    TunnelStatus = "failed"
)

// HealthState classifies a tunnel's current usability
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// Tunnel is one SSH port-forward (plus relay helper) bound to a compute job
type Tunnel struct {
	ID               string
	JobID            string
	Node             string
	RemotePort       int
	LocalPort        int
	Status           TunnelStatus
	Health           HealthState
	ForwarderPID     int // 0 = unknown
	RelayPID         int // 0 = unknown
	ForwarderCmdline string
	RelayCmdline     string
	LastCheckAt      time.Time // zero when never checked
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DB wraps the SQLite connection
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent readers while the daemon writes
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Close checkpoints the WAL and closes the connection
func (db *DB) Close() error {
	if db.conn != nil {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Conn hands out a dedicated connection from the pool. Monitoring ticks use
// this so each tick holds its own scoped handle and releases it afterwards.
func (db *DB) Conn(ctx context.Context) (*sql.Conn, error) {
	return db.conn.Conn(ctx)
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tunnels (
		id                TEXT PRIMARY KEY,
		job_id            TEXT NOT NULL,
		node              TEXT NOT NULL,
		remote_port       INTEGER NOT NULL,
		local_port        INTEGER NOT NULL,
		status            TEXT NOT NULL,
		health            TEXT NOT NULL DEFAULT 'unknown',
		forwarder_pid     INTEGER NOT NULL DEFAULT 0,
		relay_pid         INTEGER NOT NULL DEFAULT 0,
		forwarder_cmdline TEXT NOT NULL DEFAULT '',
		relay_cmdline     TEXT NOT NULL DEFAULT '',
		last_check_at     DATETIME,
		created_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at        DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- A local port belongs to at most one live tunnel cluster-wide
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tunnels_live_port
		ON tunnels(local_port) WHERE status IN ('creating', 'active', 'unhealthy');

	-- At most one active tunnel per (job, local port)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tunnels_active_job_port
		ON tunnels(job_id, local_port) WHERE status = 'active';

	CREATE INDEX IF NOT EXISTS idx_tunnels_status ON tunnels(status);
	CREATE INDEX IF NOT EXISTS idx_tunnels_job ON tunnels(job_id);

	CREATE TABLE IF NOT EXISTS tunnel_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		tunnel_id  TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details    TEXT,
		timestamp  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tunnel_events_timestamp ON tunnel_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tunnel_events_tunnel ON tunnel_events(tunnel_id);

	CREATE TABLE IF NOT EXISTS usage_snapshots (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		active_count    INTEGER NOT NULL,
		unhealthy_count INTEGER NOT NULL,
		closed_count    INTEGER NOT NULL,
		failed_count    INTEGER NOT NULL,
		rss_bytes       INTEGER NOT NULL DEFAULT 0,
		taken_at        DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS cluster_snapshots (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		nodes_total   INTEGER NOT NULL,
		nodes_alloc   INTEGER NOT NULL,
		nodes_idle    INTEGER NOT NULL,
		nodes_down    INTEGER NOT NULL,
		jobs_running  INTEGER NOT NULL,
		jobs_pending  INTEGER NOT NULL,
		taken_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

const tunnelColumns = `id, job_id, node, remote_port, local_port, status, health,
	forwarder_pid, relay_pid, forwarder_cmdline, relay_cmdline,
	last_check_at, created_at, updated_at`

func scanTunnel(row interface{ Scan(...any) error }) (*Tunnel, error) {
	var t Tunnel
	var lastCheck sql.NullTime
	err := row.Scan(
		&t.ID, &t.JobID, &t.Node, &t.RemotePort, &t.LocalPort, &t.Status, &t.Health,
		&t.ForwarderPID, &t.RelayPID, &t.ForwarderCmdline, &t.RelayCmdline,
		&lastCheck, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastCheck.Valid {
		t.LastCheckAt = lastCheck.Time
	}
	return &t, nil
}

// InsertTunnel persists a new tunnel row. The partial unique indexes
// enforce the port invariants at the storage layer.
func (db *DB) InsertTunnel(t *Tunnel) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := db.conn.Exec(
		`INSERT INTO tunnels (`+tunnelColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.JobID, t.Node, t.RemotePort, t.LocalPort, t.Status, t.Health,
		t.ForwarderPID, t.RelayPID, t.ForwarderCmdline, t.RelayCmdline,
		nullTime(t.LastCheckAt), t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// GetTunnel returns a tunnel by id, or sql.ErrNoRows
func (db *DB) GetTunnel(id string) (*Tunnel, error) {
	row := db.conn.QueryRow(`SELECT `+tunnelColumns+` FROM tunnels WHERE id = ?`, id)
	return scanTunnel(row)
}

// TunnelsByStatus returns all tunnels whose status matches any of the given
func (db *DB) TunnelsByStatus(statuses ...TunnelStatus) ([]*Tunnel, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}

	rows, err := db.conn.Query(
		`SELECT `+tunnelColumns+` FROM tunnels WHERE status IN (`+placeholders+`) ORDER BY created_at`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tunnels []*Tunnel
	for rows.Next() {
		t, err := scanTunnel(rows)
		if err != nil {
			return nil, err
		}
		tunnels = append(tunnels, t)
	}
	return tunnels, rows.Err()
}

// UpdateTunnelStatus sets the lifecycle status
func (db *DB) UpdateTunnelStatus(id string, status TunnelStatus) error {
	res, err := db.conn.Exec(
		`UPDATE tunnels SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// UpdateTunnelHealth records the latest health classification
func (db *DB) UpdateTunnelHealth(id string, health HealthState, checkedAt time.Time) error {
	res, err := db.conn.Exec(
		`UPDATE tunnels SET health = ?, last_check_at = ?, updated_at = ? WHERE id = ?`,
		health, checkedAt, time.Now(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountTunnelsByStatus returns a status -> count mapping over all tunnels
func (db *DB) CountTunnelsByStatus() (map[TunnelStatus]int, error) {
	rows, err := db.conn.Query(`SELECT status, COUNT(*) FROM tunnels GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[TunnelStatus]int)
	for rows.Next() {
		var status TunnelStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountTunnelsByStatusOn is CountTunnelsByStatus on a dedicated connection
// scope (used by monitoring ticks).
func (db *DB) CountTunnelsByStatusOn(ctx context.Context, conn *sql.Conn) (map[TunnelStatus]int, error) {
	rows, err := conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM tunnels GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[TunnelStatus]int)
	for rows.Next() {
		var status TunnelStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// TunnelEvent is one entry in the tunnel lifecycle audit log
type TunnelEvent struct {
	ID        int64
	TunnelID  string
	EventType string
	Details   string
	Timestamp time.Time
}

// LogTunnelEvent appends to the audit log. Retries briefly on SQLITE_BUSY -
// best effort, the event log must never block a state transition.
func (db *DB) LogTunnelEvent(tunnelID, eventType, details string) error {
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(
			`INSERT INTO tunnel_events (tunnel_id, event_type, details, timestamp)
			 VALUES (?, ?, ?, ?)`,
			tunnelID, eventType, details, time.Now(),
		)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to log tunnel event after %d retries: database locked", maxRetries)
}

// RecentTunnelEvents retrieves the most recent audit log entries
func (db *DB) RecentTunnelEvents(limit int) ([]TunnelEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, tunnel_id, event_type, details, timestamp
		 FROM tunnel_events ORDER BY timestamp DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TunnelEvent
	for rows.Next() {
		var e TunnelEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.TunnelID, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// UsageSnapshot is one periodic sample of tunnel counts and process memory
type UsageSnapshot struct {
	ID             int64
	ActiveCount    int
	UnhealthyCount int
	ClosedCount    int
	FailedCount    int
	RSSBytes       uint64
	TakenAt        time.Time
}

// InsertUsageSnapshot writes one usage sample using the supplied connection
// scope (a monitoring tick's dedicated handle).
func (db *DB) InsertUsageSnapshot(ctx context.Context, conn *sql.Conn, s UsageSnapshot) error {
	_, err := conn.ExecContext(ctx,
		`INSERT INTO usage_snapshots (active_count, unhealthy_count, closed_count, failed_count, rss_bytes, taken_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ActiveCount, s.UnhealthyCount, s.ClosedCount, s.FailedCount, s.RSSBytes, time.Now(),
	)
	return err
}

// ClusterSnapshot is one periodic sample of cluster-wide SLURM statistics
type ClusterSnapshot struct {
	ID          int64
	NodesTotal  int
	NodesAlloc  int
	NodesIdle   int
	NodesDown   int
	JobsRunning int
	JobsPending int
	TakenAt     time.Time
}

// InsertClusterSnapshot writes one cluster statistics sample
func (db *DB) InsertClusterSnapshot(ctx context.Context, conn *sql.Conn, s ClusterSnapshot) error {
	_, err := conn.ExecContext(ctx,
		`INSERT INTO cluster_snapshots (nodes_total, nodes_alloc, nodes_idle, nodes_down, jobs_running, jobs_pending, taken_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.NodesTotal, s.NodesAlloc, s.NodesIdle, s.NodesDown, s.JobsRunning, s.JobsPending, time.Now(),
	)
	return err
}

// RecentUsageSnapshots retrieves recent usage samples, newest first
func (db *DB) RecentUsageSnapshots(limit int) ([]UsageSnapshot, error) {
	rows, err := db.conn.Query(
		`SELECT id, active_count, unhealthy_count, closed_count, failed_count, rss_bytes, taken_at
		 FROM usage_snapshots ORDER BY taken_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []UsageSnapshot
	for rows.Next() {
		var s UsageSnapshot
		if err := rows.Scan(&s.ID, &s.ActiveCount, &s.UnhealthyCount, &s.ClosedCount, &s.FailedCount, &s.RSSBytes, &s.TakenAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

// RecentClusterSnapshots retrieves recent cluster samples, newest first
func (db *DB) RecentClusterSnapshots(limit int) ([]ClusterSnapshot, error) {
	rows, err := db.conn.Query(
		`SELECT id, nodes_total, nodes_alloc, nodes_idle, nodes_down, jobs_running, jobs_pending, taken_at
		 FROM cluster_snapshots ORDER BY taken_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []ClusterSnapshot
	for rows.Next() {
		var s ClusterSnapshot
		if err := rows.Scan(&s.ID, &s.NodesTotal, &s.NodesAlloc, &s.NodesIdle, &s.NodesDown, &s.JobsRunning, &s.JobsPending, &s.TakenAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}
