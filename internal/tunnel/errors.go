package tunnel

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidJobState is returned when a tunnel is requested for a job
	// that is not running or has no node/port assigned.
	ErrInvalidJobState = errors.New("job is not in a tunnelable state")

	// ErrNoPortsAvailable is returned when the configured port range is
	// exhausted. Callers may retry later; the manager never retries.
	ErrNoPortsAvailable = errors.New("no local ports available")

	// ErrPortInUse is returned by Reserve when the port already has an owner.
	ErrPortInUse = errors.New("port already allocated")

	// ErrTunnelNotFound is returned for operations on unknown tunnel ids.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrTerminationTimeout is returned when a process survives the
	// graceful-then-forceful termination sequence.
	ErrTerminationTimeout = errors.New("process survived SIGKILL")
)

// SpawnError wraps a failure while starting or verifying the tunnel
// processes. By the time it surfaces, any partially started process has
// been terminated and the port allocation rolled back.
type SpawnError struct {
	Stage string // "forwarder", "relay" or "verify"
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn failed at %s: %v", e.Stage, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
