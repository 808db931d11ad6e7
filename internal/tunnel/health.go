package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/hpcforge/slurmgate/internal/db"
)

// ProcessHealth is one managed process's liveness and resource usage,
// sampled on demand. Present in HealthInfo only when the pid was known.
type ProcessHealth struct {
	PID        int
	Running    bool
	RSSBytes   uint64
	CPUPercent float64
}

// HealthInfo is the result of probing one tunnel
type HealthInfo struct {
	Status        db.HealthState
	Forwarder     *ProcessHealth // nil when the pid was never recorded
	Relay         *ProcessHealth
	PortReachable bool
	CheckedAt     time.Time
	Err           string // non-empty when the probe itself failed
}

// Checker probes tunnel liveness and classifies it. The process inspector
// and port prober are injectable for tests; defaults use gopsutil and a
// plain TCP dial.
type Checker struct {
	probeTimeout time.Duration
	parallelism  int

	inspect func(pid int) (*ProcessHealth, error)
	probe   func(port int, timeout time.Duration) error
}

// NewChecker creates a health checker with the given probe timeout and
// per-sweep parallelism bound.
func NewChecker(probeTimeout time.Duration, parallelism int) *Checker {
	if parallelism <= 0 {
		parallelism = 8
	}
	return &Checker{
		probeTimeout: probeTimeout,
		parallelism:  parallelism,
		inspect:      inspectProcess,
		probe:        probePort,
	}
}

// Check probes one tunnel: process existence for both pids plus a TCP
// connect on the local port. Probe failures downgrade to UNKNOWN instead of
// propagating - health is a background concern, not a caller contract.
func (c *Checker) Check(ctx context.Context, t *db.Tunnel) HealthInfo {
	info := HealthInfo{CheckedAt: time.Now()}

	if t.ForwarderPID <= 0 && t.RelayPID <= 0 {
		// Nothing recorded yet - cannot say anything
		info.Status = db.HealthUnknown
		return info
	}

	var inspectErr error
	if t.ForwarderPID > 0 {
		ph, err := c.inspect(t.ForwarderPID)
		if err != nil {
			inspectErr = fmt.Errorf("forwarder pid %d: %w", t.ForwarderPID, err)
		} else {
			info.Forwarder = ph
		}
	}
	if t.RelayPID > 0 {
		ph, err := c.inspect(t.RelayPID)
		if err != nil && inspectErr == nil {
			inspectErr = fmt.Errorf("relay pid %d: %w", t.RelayPID, err)
		} else if err == nil {
			info.Relay = ph
		}
	}

	if err := c.probe(t.LocalPort, c.probeTimeout); err == nil {
		info.PortReachable = true
	}

	info.Status = Classify(processAlive(info.Forwarder), processAlive(info.Relay), info.PortReachable)
	if inspectErr != nil {
		// Inspection errors are recorded but never upgrade the verdict
		info.Err = inspectErr.Error()
	}
	return info
}

// processAlive maps a sampled process to a tri-state: nil = unknown
func processAlive(ph *ProcessHealth) *bool {
	if ph == nil {
		return nil
	}
	alive := ph.Running
	return &alive
}

// Classify applies the deterministic health policy. An unknown process
// counts as not running - partial information never yields HEALTHY.
func Classify(forwarderAlive, relayAlive *bool, portReachable bool) db.HealthState {
	if forwarderAlive == nil && relayAlive == nil {
		return db.HealthUnknown
	}

	bothRunning := forwarderAlive != nil && *forwarderAlive &&
		relayAlive != nil && *relayAlive
	if bothRunning && portReachable {
		return db.HealthHealthy
	}
	return db.HealthUnhealthy
}

// CheckAll probes every given tunnel with bounded parallelism. A failure
// checking one tunnel yields an UNKNOWN entry with the error captured;
// the sweep always covers the rest.
func (c *Checker) CheckAll(ctx context.Context, tunnels []*db.Tunnel) map[string]HealthInfo {
	results := make([]HealthInfo, len(tunnels))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for i, t := range tunnels {
		i, t := i, t
		g.Go(func() error {
			func() {
				defer func() {
					if r := recover(); r != nil {
						results[i] = HealthInfo{
							Status:    db.HealthUnknown,
							CheckedAt: time.Now(),
							Err:       fmt.Sprintf("health check panicked: %v", r),
						}
					}
				}()
				results[i] = c.Check(ctx, t)
			}()
			return nil
		})
	}
	g.Wait()

	out := make(map[string]HealthInfo, len(tunnels))
	for i, t := range tunnels {
		out[t.ID] = results[i]
	}
	return out
}

// inspectProcess samples a pid with gopsutil
func inspectProcess(pid int) (*ProcessHealth, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		// Process does not exist - that is an answer, not an error
		return &ProcessHealth{PID: pid, Running: false}, nil
	}

	running, err := p.IsRunning()
	if err != nil {
		return nil, err
	}
	ph := &ProcessHealth{PID: pid, Running: running}
	if !running {
		return ph, nil
	}

	// Resource usage is advisory - sampling failures don't fail the check
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		ph.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		ph.CPUPercent = cpu
	}
	return ph, nil
}

// probePort attempts a TCP connection to localhost:<port>
func probePort(port int, timeout time.Duration) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

// TotalRSS sums the resident set size of every inspectable pid. Used by
// the usage monitor; pids that cannot be sampled contribute zero.
func TotalRSS(pids []int) uint64 {
	var total uint64
	for _, pid := range pids {
		if pid <= 0 {
			continue
		}
		ph, err := inspectProcess(pid)
		if err != nil || ph == nil {
			continue
		}
		total += ph.RSSBytes
	}
	return total
}

// ValidateProcess reports whether pid is alive and its command line still
// matches what was recorded at spawn time. A recorded pid may belong to an
// unrelated process after a host reboot - contains-matching on the argv
// catches that without being brittle about argument order.
func ValidateProcess(pid int, recordedCmdline string) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := p.IsRunning()
	if err != nil || !running {
		return false
	}

	actual, err := p.Cmdline()
	if err != nil || actual == "" {
		return false
	}
	return cmdlineMatches(actual, recordedCmdline)
}

// cmdlineMatches checks that the distinctive parts of the recorded command
// line appear in the actual one. The first token (binary) may be resolved
// to an absolute path by the OS, so it matches on base name.
func cmdlineMatches(actual, recorded string) bool {
	fields := strings.Fields(recorded)
	if len(fields) == 0 {
		return false
	}
	if !strings.Contains(actual, fields[0]) {
		return false
	}
	for _, f := range fields[1:] {
		if !strings.Contains(actual, f) {
			return false
		}
	}
	return true
}
