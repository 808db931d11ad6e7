package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/hpcforge/slurmgate/internal/core"
)

// ProcessHandle identifies a spawned tunnel process. The command line is
// recorded so a restored daemon can detect PID reuse before trusting it.
type ProcessHandle struct {
	PID     int
	Cmdline string
}

// SpawnSpec describes one tunnel's process pair
type SpawnSpec struct {
	Node        string // compute node hostname
	RemotePort  int    // service port on the node
	LocalPort   int    // public local port served by the relay
	ForwardPort int    // loopback port bound by the forwarder
}

// SpawnResult carries the handles of both started processes
type SpawnResult struct {
	Forwarder ProcessHandle
	Relay     ProcessHandle
}

// Supervisor starts and stops the two OS processes that implement one
// tunnel: the SSH forwarder and the local socket relay.
type Supervisor struct {
	forwarderTmpl string
	relayTmpl     string
	user          string
	host          string
	password      string // empty unless password auth is configured
	spawnTimeout  time.Duration
	termTimeout   time.Duration
}

// NewSupervisor builds a supervisor from the tunnel and cluster settings
func NewSupervisor(tc core.TunnelConfig, cc core.ClusterConfig, password string) *Supervisor {
	return &Supervisor{
		forwarderTmpl: tc.ForwarderCommand,
		relayTmpl:     tc.RelayCommand,
		user:          cc.User,
		host:          cc.Host,
		password:      password,
		spawnTimeout:  parseDuration(tc.SpawnTimeout, 10*time.Second),
		termTimeout:   parseDuration(tc.TerminateTimeout, 5*time.Second),
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Spawn launches the forwarder and relay for spec. If either process fails
// to start, any partially started process is terminated before the error is
// returned, so no orphans are left behind.
func (s *Supervisor) Spawn(ctx context.Context, spec SpawnSpec) (SpawnResult, error) {
	var result SpawnResult

	fwdArgv := s.expand(s.forwarderTmpl, spec)
	if len(fwdArgv) == 0 {
		return result, &SpawnError{Stage: "forwarder", Err: fmt.Errorf("empty forwarder command")}
	}
	fwd, err := s.startForwarder(fwdArgv)
	if err != nil {
		return result, &SpawnError{Stage: "forwarder", Err: err}
	}
	result.Forwarder = fwd

	relayArgv := s.expand(s.relayTmpl, spec)
	if len(relayArgv) == 0 {
		s.bestEffortTerminate(fwd.PID, "forwarder")
		return result, &SpawnError{Stage: "relay", Err: fmt.Errorf("empty relay command")}
	}
	relay, err := startProcess(relayArgv)
	if err != nil {
		// Roll back the forwarder so we never leak half a tunnel
		s.bestEffortTerminate(fwd.PID, "forwarder")
		return result, &SpawnError{Stage: "relay", Err: err}
	}
	result.Relay = relay

	return result, nil
}

// WaitReady blocks until the tunnel's local port accepts a TCP connection,
// retrying with exponential backoff up to the configured spawn timeout.
func (s *Supervisor) WaitReady(ctx context.Context, localPort int) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = s.spawnTimeout

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort))
	probe := func() error {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return err
		}
		conn.Close()
		return nil
	}

	if err := backoff.Retry(probe, backoff.WithContext(b, ctx)); err != nil {
		return &SpawnError{Stage: "verify", Err: fmt.Errorf("port %d not reachable: %w", localPort, err)}
	}
	return nil
}

// Terminate sends SIGTERM, waits up to the termination timeout, then
// escalates to SIGKILL. A process that is already gone counts as success.
func (s *Supervisor) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		// Can't deliver SIGTERM - go straight to SIGKILL
		slog.Warn("Failed to send SIGTERM, forcing kill", "pid", pid, "error", err)
		return s.forceKill(pid)
	}

	// Poll with the null signal instead of Wait(). The tunnel processes run
	// in their own sessions and may not be our children at all after a
	// daemon restart.
	deadline := time.Now().Add(s.termTimeout)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); err != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	slog.Warn("Process did not exit in time, forcing kill", "pid", pid, "timeout", s.termTimeout)
	return s.forceKill(pid)
}

func (s *Supervisor) forceKill(pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return err
	}

	time.Sleep(100 * time.Millisecond)
	if err := unix.Kill(pid, 0); err == nil {
		slog.Error("Process survived SIGKILL", "pid", pid)
		return ErrTerminationTimeout
	}
	return nil
}

func (s *Supervisor) bestEffortTerminate(pid int, label string) {
	if err := s.Terminate(pid); err != nil {
		slog.Error("Rollback termination failed", "process", label, "pid", pid, "error", err)
	}
}

// expand substitutes the template placeholders and splits into argv
func (s *Supervisor) expand(tmpl string, spec SpawnSpec) []string {
	r := strings.NewReplacer(
		"{node}", spec.Node,
		"{remote_port}", strconv.Itoa(spec.RemotePort),
		"{local_port}", strconv.Itoa(spec.LocalPort),
		"{forward_port}", strconv.Itoa(spec.ForwardPort),
		"{user}", s.user,
		"{host}", s.host,
	)
	return strings.Fields(r.Replace(tmpl))
}

// startForwarder starts the SSH process. With password auth configured it
// runs under a pty so the password prompt can be answered; otherwise it is
// a plain detached process.
func (s *Supervisor) startForwarder(argv []string) (ProcessHandle, error) {
	if s.password == "" {
		return startProcess(argv)
	}
	return startProcessWithPTY(argv, s.password)
}

// startProcess launches argv in its own session so it survives daemon
// restarts and never receives our terminal signals.
func startProcess(argv []string) (ProcessHandle, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return ProcessHandle{}, err
	}

	// Reap the child when it exits so it never lingers as a zombie
	go cmd.Wait()

	return ProcessHandle{PID: cmd.Process.Pid, Cmdline: strings.Join(argv, " ")}, nil
}

// startProcessWithPTY launches argv under a pseudo-terminal and answers the
// first password prompt. SSH refuses to read a password without a tty, so
// this is the only way to drive password auth non-interactively.
func startProcessWithPTY(argv []string, password string) (ProcessHandle, error) {
	cmd := exec.Command(argv[0], argv[1:]...)

	f, err := pty.Start(cmd)
	if err != nil {
		return ProcessHandle{}, err
	}

	go func() {
		defer f.Close()
		defer cmd.Wait()

		answered := false
		scanner := bufio.NewScanner(f)
		scanner.Split(scanPromptOrLine)
		for scanner.Scan() {
			chunk := scanner.Text()
			if !answered && strings.Contains(strings.ToLower(chunk), "password") {
				if _, err := f.Write([]byte(password + "\n")); err != nil {
					slog.Warn("Failed to write password to forwarder pty", "error", err)
					return
				}
				answered = true
			}
		}
	}()

	return ProcessHandle{PID: cmd.Process.Pid, Cmdline: strings.Join(argv, " ")}, nil
}

// scanPromptOrLine splits on newlines but also emits a token when the
// buffer ends with a colon-space prompt that will never see a newline.
func scanPromptOrLine(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' {
			return i + 1, data[:i], nil
		}
	}
	if strings.HasSuffix(strings.TrimRight(string(data), " "), ":") {
		return len(data), data, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Alive reports whether a pid refers to a live process we can signal
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil {
		return err == unix.EPERM
	}
	return true
}
