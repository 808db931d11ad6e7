package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hpcforge/slurmgate/internal/core"
	"github.com/hpcforge/slurmgate/internal/db"
	"github.com/hpcforge/slurmgate/internal/slurm"
	"github.com/hpcforge/slurmgate/internal/tunnel"
)

// TunnelStatus is the wire form of one tunnel in STATUS output
type TunnelStatus struct {
	ID           string `json:"id"`
	JobID        string `json:"job_id"`
	Node         string `json:"node"`
	LocalPort    int    `json:"local_port"`
	RemotePort   int    `json:"remote_port"`
	Status       string `json:"status"`
	Health       string `json:"health"`
	ForwarderPID int    `json:"forwarder_pid,omitempty"`
	RelayPID     int    `json:"relay_pid,omitempty"`
	CreatedAt    string `json:"created_at"`
	LastCheckAt  string `json:"last_check_at,omitempty"`
}

func tunnelStatusOf(t *db.Tunnel) TunnelStatus {
	s := TunnelStatus{
		ID:           t.ID,
		JobID:        t.JobID,
		Node:         t.Node,
		LocalPort:    t.LocalPort,
		RemotePort:   t.RemotePort,
		Status:       string(t.Status),
		Health:       string(t.Health),
		ForwarderPID: t.ForwarderPID,
		RelayPID:     t.RelayPID,
		CreatedAt:    t.CreatedAt.Format(time.RFC3339),
	}
	if !t.LastCheckAt.IsZero() {
		s.LastCheckAt = t.LastCheckAt.Format(time.RFC3339)
	}
	return s
}

// openTunnel resolves the job on the head node and opens a tunnel for it
func (d *Daemon) openTunnel(jobID string) Response {
	response := Response{}

	if d.slurmClient == nil {
		response.AddMessage("No cluster connection configured; cannot look up jobs", "ERROR")
		return response
	}

	ctx, cancel := context.WithTimeout(d.ctx, core.Config.SpawnTimeout()+30*time.Second)
	defer cancel()

	job, err := d.slurmClient.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, slurm.ErrJobNotFound) {
			response.AddMessage(fmt.Sprintf("Job '%s' not found on the cluster", jobID), "ERROR")
		} else {
			response.AddMessage(fmt.Sprintf("Failed to look up job '%s': %v", jobID, err), "ERROR")
		}
		return response
	}

	t, err := d.mgr.Open(ctx, job)
	if err != nil {
		switch {
		case errors.Is(err, tunnel.ErrInvalidJobState):
			response.AddMessage(fmt.Sprintf(
				"Job '%s' cannot back a tunnel (state %s, node %q, port %d); it must be RUNNING with a node and an advertised port",
				job.ID, job.State, job.Node, job.Port), "ERROR")
		case errors.Is(err, tunnel.ErrNoPortsAvailable):
			response.AddMessage("All local tunnel ports are in use; close a tunnel first", "ERROR")
		default:
			response.AddMessage(fmt.Sprintf("Failed to open tunnel for job '%s': %v", jobID, err), "ERROR")
		}
		return response
	}

	response.AddMessage(fmt.Sprintf("Tunnel opened: localhost:%d -> %s:%d (job %s)",
		t.LocalPort, t.Node, t.RemotePort, t.JobID), "INFO")
	response.AddData(tunnelStatusOf(t))
	return response
}

func (d *Daemon) closeTunnel(id string) Response {
	response := Response{}

	ctx, cancel := context.WithTimeout(d.ctx, core.Config.TerminateTimeout()+10*time.Second)
	defer cancel()

	if err := d.mgr.Close(ctx, id); err != nil {
		if errors.Is(err, tunnel.ErrTunnelNotFound) {
			response.AddMessage(fmt.Sprintf("No tunnel with id '%s'", id), "ERROR")
		} else {
			response.AddMessage(fmt.Sprintf("Failed to close tunnel '%s': %v", id, err), "ERROR")
		}
		return response
	}

	response.AddMessage(fmt.Sprintf("Tunnel '%s' closed", id), "INFO")
	return response
}

func (d *Daemon) getStatus() Response {
	response := Response{}

	tunnels, err := d.mgr.Live()
	if err != nil {
		response.AddMessage(fmt.Sprintf("Failed to list tunnels: %v", err), "ERROR")
		return response
	}

	statuses := []TunnelStatus{}
	for _, t := range tunnels {
		statuses = append(statuses, tunnelStatusOf(t))
	}

	monitors := []interface{}{}
	if d.usageTask != nil {
		monitors = append(monitors, d.usageTask.Status())
	}
	if d.clusterTask != nil {
		monitors = append(monitors, d.clusterTask.Status())
	}

	if len(statuses) == 0 {
		response.AddMessage("No tunnels found", "WARN")
	} else {
		response.AddMessage("OK", "INFO")
	}
	response.AddData(map[string]interface{}{
		"tunnels":  statuses,
		"ports":    d.mgr.Allocator().Allocations(),
		"monitors": monitors,
		"online":   d.net.Online(),
	})
	return response
}

// runHealthSweep forces an immediate sweep instead of waiting out the
// health interval, and returns the per-tunnel readings.
func (d *Daemon) runHealthSweep() Response {
	response := Response{}

	ctx, cancel := context.WithTimeout(d.ctx, core.Config.HealthInterval())
	defer cancel()

	infos, err := d.mgr.CheckAll(ctx)
	if err != nil {
		response.AddMessage(fmt.Sprintf("Health sweep failed: %v", err), "ERROR")
		return response
	}

	if len(infos) == 0 {
		response.AddMessage("No live tunnels to check", "WARN")
	} else {
		response.AddMessage(fmt.Sprintf("Checked %d tunnel(s)", len(infos)), "INFO")
	}
	response.AddData(infos)
	return response
}

func (d *Daemon) getEvents(limit int) Response {
	response := Response{}

	events, err := d.store.RecentTunnelEvents(limit)
	if err != nil {
		response.AddMessage(fmt.Sprintf("Failed to read events: %v", err), "ERROR")
		return response
	}

	response.AddMessage("OK", "INFO")
	response.AddData(events)
	return response
}

// handleMonitor serves MONITOR <usage|cluster> STATUS and
// MONITOR <usage|cluster> RESTART <minutes>.
func (d *Daemon) handleMonitor(args []string) Response {
	response := Response{}

	if len(args) < 2 {
		response.AddMessage("Usage: MONITOR <usage|cluster> STATUS|RESTART <minutes>", "ERROR")
		return response
	}

	var task = d.usageTask
	switch args[0] {
	case "usage":
	case "cluster":
		task = d.clusterTask
	default:
		response.AddMessage(fmt.Sprintf("Unknown monitor '%s'", args[0]), "ERROR")
		return response
	}
	if task == nil {
		response.AddMessage(fmt.Sprintf("Monitor '%s' is not running (disabled or no cluster connection)", args[0]), "ERROR")
		return response
	}

	switch args[1] {
	case "STATUS":
		response.AddMessage("OK", "INFO")
		response.AddData(task.Status())
	case "RESTART":
		if len(args) < 3 {
			response.AddMessage("Usage: MONITOR <usage|cluster> RESTART <minutes>", "ERROR")
			return response
		}
		minutes, err := time.ParseDuration(args[2] + "m")
		if err != nil || minutes <= 0 {
			response.AddMessage(fmt.Sprintf("Invalid interval '%s': expected whole minutes", args[2]), "ERROR")
			return response
		}
		if err := task.RestartWithInterval(minutes); err != nil {
			response.AddMessage(fmt.Sprintf("Failed to restart monitor: %v", err), "ERROR")
			return response
		}
		response.AddMessage(fmt.Sprintf("Monitor '%s' restarted with interval %s", args[0], minutes), "INFO")
	default:
		response.AddMessage(fmt.Sprintf("Unknown monitor action '%s'", args[1]), "ERROR")
	}
	return response
}

func (d *Daemon) getVersion() Response {
	response := Response{}
	response.AddMessage("OK", "INFO")
	response.AddData(map[string]interface{}{
		"version": core.Version,
		"pid":     os.Getpid(),
	})
	return response
}
