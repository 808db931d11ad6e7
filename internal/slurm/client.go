package slurm

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/hpcforge/slurmgate/internal/core"
)

// Runner executes a command on the cluster head node and returns its stdout
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Client reads job and cluster state via a Runner
type Client struct {
	runner Runner
}

// NewClient wraps a runner
func NewClient(runner Runner) *Client {
	return &Client{runner: runner}
}

// ErrJobNotFound is reported when squeue has no record of the job id
var ErrJobNotFound = fmt.Errorf("job not found")

// GetJob looks up one job by id
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	out, err := c.runner.Run(ctx, fmt.Sprintf("squeue -h -j %s -o '%s'", jobID, squeueJobFormat))
	if err != nil {
		return Job{}, fmt.Errorf("squeue failed for job %s: %w", jobID, err)
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	// Multi-line output means array tasks; the first line is the lead task
	line := out
	if i := strings.Index(out, "\n"); i >= 0 {
		line = out[:i]
	}
	return ParseJobLine(line)
}

// GetClusterStats snapshots node and job counts
func (c *Client) GetClusterStats(ctx context.Context) (ClusterStats, error) {
	var stats ClusterStats

	sinfoOut, err := c.runner.Run(ctx, `sinfo -h -o '%D|%T'`)
	if err != nil {
		return stats, fmt.Errorf("sinfo failed: %w", err)
	}
	if err := ParseSinfo(sinfoOut, &stats); err != nil {
		return stats, err
	}

	squeueOut, err := c.runner.Run(ctx, `squeue -h -o '%T'`)
	if err != nil {
		return stats, fmt.Errorf("squeue failed: %w", err)
	}
	ParseSqueueStates(squeueOut, &stats)

	return stats, nil
}

// SSHRunner executes commands on the head node over SSH. Each Run dials a
// fresh connection - command volume is a handful per monitoring tick, so a
// persistent multiplexed connection is not worth its failure modes.
type SSHRunner struct {
	addr        string
	config      *ssh.ClientConfig
	dialTimeout time.Duration
}

// NewSSHRunner builds a runner from the cluster settings. The password
// argument comes from the keyring or environment, empty for key-only auth.
func NewSSHRunner(cc core.ClusterConfig, password string) (*SSHRunner, error) {
	if cc.Host == "" || cc.User == "" {
		return nil, fmt.Errorf("cluster host and user must be configured")
	}

	var auth []ssh.AuthMethod
	if cc.IdentityFile != "" {
		keyBytes, err := os.ReadFile(cc.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse identity file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if password != "" {
		auth = append(auth, ssh.Password(password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no SSH auth configured: need identity_file or a password")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cc.KnownHosts != "" {
		cb, err := knownhosts.New(cc.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	port := cc.Port
	if port == 0 {
		port = 22
	}

	return &SSHRunner{
		addr: net.JoinHostPort(cc.Host, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User:            cc.User,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
			Timeout:         10 * time.Second,
		},
		dialTimeout: 10 * time.Second,
	}, nil
}

// Run executes one command and returns its stdout. Stderr is folded into
// the error on failure.
func (r *SSHRunner) Run(ctx context.Context, command string) (string, error) {
	dialer := net.Dialer{Timeout: r.dialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return "", fmt.Errorf("failed to dial %s: %w", r.addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, r.addr, r.config)
	if err != nil {
		netConn.Close()
		return "", fmt.Errorf("SSH handshake with %s failed: %w", r.addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	// Kill the session if the context is cancelled mid-command
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Signal(ssh.SIGKILL)
			client.Close()
		case <-done:
		}
	}()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Run(command); err != nil {
		return "", fmt.Errorf("remote command %q failed: %w (stderr: %s)",
			command, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
