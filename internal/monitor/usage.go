package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/hpcforge/slurmgate/internal/db"
	"github.com/hpcforge/slurmgate/internal/tunnel"
)

// NewUsageTask samples tunnel counts by status and the resident memory of
// the managed processes into usage_snapshots.
func NewUsageTask(store *db.DB, mgr *tunnel.Manager, interval time.Duration) *Task {
	return NewTask("usage", interval, func(ctx context.Context) error {
		conn, err := store.Conn(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire store handle: %w", err)
		}
		defer conn.Close()

		counts, err := store.CountTunnelsByStatusOn(ctx, conn)
		if err != nil {
			return fmt.Errorf("failed to count tunnels: %w", err)
		}

		var pids []int
		if live, err := mgr.Live(); err == nil {
			for _, t := range live {
				pids = append(pids, t.ForwarderPID, t.RelayPID)
			}
		}

		return store.InsertUsageSnapshot(ctx, conn, db.UsageSnapshot{
			ActiveCount:    counts[db.StatusActive],
			UnhealthyCount: counts[db.StatusUnhealthy],
			ClosedCount:    counts[db.StatusClosed],
			FailedCount:    counts[db.StatusFailed],
			RSSBytes:       tunnel.TotalRSS(pids),
		})
	})
}
