package slurm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/hpcforge/slurmgate/internal/core"
	"github.com/hpcforge/slurmgate/internal/testutil/sshserver"
)

// fakeRunner serves canned output keyed by command prefix
type fakeRunner struct {
	outputs map[string]string
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, command string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(command, prefix) {
			return out, nil
		}
	}
	return "", fmt.Errorf("unexpected command %q", command)
}

func TestGetJob(t *testing.T) {
	c := NewClient(&fakeRunner{outputs: map[string]string{
		"squeue -h -j 123": "123|jupyter|alice|RUNNING|cn03|port=8888\n",
	}})

	job, err := c.GetJob(context.Background(), "123")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.ID != "123" || job.Node != "cn03" || job.Port != 8888 {
		t.Fatalf("job = %+v", job)
	}
	if !job.Tunnelable() {
		t.Fatal("running job with node and port should be tunnelable")
	}
}

func TestGetJobNotFound(t *testing.T) {
	c := NewClient(&fakeRunner{outputs: map[string]string{
		"squeue -h -j 999": "\n",
	}})

	_, err := c.GetJob(context.Background(), "999")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestGetJobArrayTakesLeadTask(t *testing.T) {
	c := NewClient(&fakeRunner{outputs: map[string]string{
		"squeue -h -j 200": "200_1|array|alice|RUNNING|cn01|port=7001\n200_2|array|alice|RUNNING|cn02|port=7002\n",
	}})

	job, err := c.GetJob(context.Background(), "200")
	if err != nil {
		t.Fatal(err)
	}
	if job.ID != "200_1" || job.Node != "cn01" {
		t.Fatalf("expected lead array task, got %+v", job)
	}
}

func TestGetJobRunnerError(t *testing.T) {
	c := NewClient(&fakeRunner{err: fmt.Errorf("connection reset")})

	_, err := c.GetJob(context.Background(), "123")
	if err == nil || !strings.Contains(err.Error(), "squeue failed") {
		t.Fatalf("expected wrapped squeue error, got %v", err)
	}
}

func TestGetClusterStats(t *testing.T) {
	c := NewClient(&fakeRunner{outputs: map[string]string{
		"sinfo":  "10|allocated\n5|idle\n1|down\n",
		"squeue": "RUNNING\nPENDING\nPENDING\n",
	}})

	stats, err := c.GetClusterStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.NodesTotal != 16 || stats.NodesAlloc != 10 || stats.NodesIdle != 5 || stats.NodesDown != 1 {
		t.Fatalf("node stats = %+v", stats)
	}
	if stats.JobsRunning != 1 || stats.JobsPending != 2 {
		t.Fatalf("job stats = %+v", stats)
	}
}

func TestSSHRunnerPasswordAuth(t *testing.T) {
	srv := sshserver.New(t, sshserver.Options{
		Username: "alice",
		Password: "hunter2",
		Exec: func(command string) (string, int) {
			if strings.HasPrefix(command, "squeue -h -j 123") {
				return "123|jupyter|alice|RUNNING|cn03|port=8888\n", 0
			}
			return "", 1
		},
	})
	srv.Start()
	defer srv.Stop()

	runner, err := NewSSHRunner(core.ClusterConfig{
		Host: "127.0.0.1",
		Port: srv.Port(),
		User: "alice",
	}, "hunter2")
	if err != nil {
		t.Fatalf("NewSSHRunner: %v", err)
	}

	c := NewClient(runner)
	job, err := c.GetJob(context.Background(), "123")
	if err != nil {
		t.Fatalf("GetJob over SSH: %v", err)
	}
	if job.ID != "123" || job.Port != 8888 {
		t.Fatalf("job = %+v", job)
	}
}

func TestSSHRunnerIdentityFileAuth(t *testing.T) {
	dir := t.TempDir()
	_, pub, keyPath := sshserver.GenerateClientKeyPair(t, dir)

	srv := sshserver.New(t, sshserver.Options{
		Username:       "alice",
		AuthorizedKeys: []ssh.PublicKey{pub},
		Exec: func(command string) (string, int) {
			return "ok\n", 0
		},
	})
	srv.Start()
	defer srv.Stop()

	runner, err := NewSSHRunner(core.ClusterConfig{
		Host:         "127.0.0.1",
		Port:         srv.Port(),
		User:         "alice",
		IdentityFile: keyPath,
	}, "")
	if err != nil {
		t.Fatalf("NewSSHRunner: %v", err)
	}

	out, err := runner.Run(context.Background(), "echo ok")
	if err != nil {
		t.Fatalf("Run over SSH with identity file: %v", err)
	}
	if strings.TrimSpace(out) != "ok" {
		t.Fatalf("output = %q", out)
	}
}

func TestSSHRunnerCommandFailure(t *testing.T) {
	srv := sshserver.New(t, sshserver.Options{
		Username: "alice",
		Password: "hunter2",
		Exec: func(command string) (string, int) {
			return "", 1
		},
	})
	srv.Start()
	defer srv.Stop()

	runner, err := NewSSHRunner(core.ClusterConfig{
		Host: "127.0.0.1",
		Port: srv.Port(),
		User: "alice",
	}, "hunter2")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := runner.Run(context.Background(), "squeue -h -j 1"); err == nil {
		t.Fatal("expected non-zero exit to surface as an error")
	}
}

func TestNewSSHRunnerValidation(t *testing.T) {
	if _, err := NewSSHRunner(core.ClusterConfig{User: "alice"}, "pw"); err == nil {
		t.Fatal("expected error without host")
	}
	if _, err := NewSSHRunner(core.ClusterConfig{Host: "h", User: "alice"}, ""); err == nil {
		t.Fatal("expected error without any auth method")
	}
}
