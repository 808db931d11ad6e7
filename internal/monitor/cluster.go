package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/hpcforge/slurmgate/internal/db"
	"github.com/hpcforge/slurmgate/internal/slurm"
)

// NewClusterTask snapshots scheduler-wide node and job counts from the
// head node into cluster_snapshots.
func NewClusterTask(store *db.DB, client *slurm.Client, interval time.Duration) *Task {
	return NewTask("cluster", interval, func(ctx context.Context) error {
		stats, err := client.GetClusterStats(ctx)
		if err != nil {
			return fmt.Errorf("failed to collect cluster stats: %w", err)
		}

		conn, err := store.Conn(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire store handle: %w", err)
		}
		defer conn.Close()

		return store.InsertClusterSnapshot(ctx, conn, db.ClusterSnapshot{
			NodesTotal:  stats.NodesTotal,
			NodesAlloc:  stats.NodesAlloc,
			NodesIdle:   stats.NodesIdle,
			NodesDown:   stats.NodesDown,
			JobsRunning: stats.JobsRunning,
			JobsPending: stats.JobsPending,
		})
	})
}
