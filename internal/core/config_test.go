package core

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	// No config file at all - defaults apply
	dir := t.TempDir()
	cfg, err := LoadConfig(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Tunnels.PortMin != 9000 || cfg.Tunnels.PortMax != 9999 {
		t.Errorf("unexpected default port range %d-%d", cfg.Tunnels.PortMin, cfg.Tunnels.PortMax)
	}
	if cfg.Health.AutoCloseThreshold != 0 {
		t.Errorf("expected report-only auto-close default, got %d", cfg.Health.AutoCloseThreshold)
	}
	if cfg.Monitor.UsageIntervalMinutes != 5 {
		t.Errorf("expected default usage interval 5, got %d", cfg.Monitor.UsageIntervalMinutes)
	}
	if cfg.ConfigPath != dir {
		t.Errorf("expected ConfigPath %q, got %q", dir, cfg.ConfigPath)
	}
}

func TestLoadConfig_FullFile(t *testing.T) {
	path := writeConfig(t, `
verbose = 2

cluster {
  host          = "login.hpc.example.org"
  user          = "svc-gate"
  identity_file = "/etc/slurmgate/id_ed25519"
  port          = 2222
}

tunnels {
  port_min = 9100
  port_max = 9110
  spawn_timeout = "3s"
}

health {
  interval             = "10s"
  auto_close_threshold = 3
}

monitor {
  usage_interval_minutes   = 1
  cluster_interval_minutes = 30
  cluster_enabled          = false
}
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Cluster.Host != "login.hpc.example.org" {
		t.Errorf("unexpected cluster host %q", cfg.Cluster.Host)
	}
	if cfg.Cluster.Port != 2222 {
		t.Errorf("unexpected cluster port %d", cfg.Cluster.Port)
	}
	if cfg.Tunnels.PortMin != 9100 || cfg.Tunnels.PortMax != 9110 {
		t.Errorf("unexpected port range %d-%d", cfg.Tunnels.PortMin, cfg.Tunnels.PortMax)
	}
	if got := cfg.SpawnTimeout().Seconds(); got != 3 {
		t.Errorf("expected spawn timeout 3s, got %vs", got)
	}
	if cfg.Health.AutoCloseThreshold != 3 {
		t.Errorf("expected auto_close_threshold 3, got %d", cfg.Health.AutoCloseThreshold)
	}
	if cfg.Monitor.ClusterEnabled {
		t.Error("expected cluster monitor disabled")
	}
	// Unset fields keep defaults
	if cfg.Tunnels.RelayCommand != DefaultRelayCommand {
		t.Errorf("expected default relay command, got %q", cfg.Tunnels.RelayCommand)
	}
}

func TestLoadConfig_EnvOverridesCredentials(t *testing.T) {
	path := writeConfig(t, `
cluster {
  host = "login.hpc.example.org"
  user = "filebased"
}
`)

	t.Setenv("SLURMGATE_CLUSTER_USER", "envbased")
	t.Setenv("SLURMGATE_CLUSTER_PASSWORD", "hunter2")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Cluster.User != "envbased" {
		t.Errorf("expected env override for user, got %q", cfg.Cluster.User)
	}
	if cfg.Cluster.Password != "hunter2" {
		t.Errorf("expected env password, got %q", cfg.Cluster.Password)
	}
}

func TestLoadConfig_InvalidPortRange(t *testing.T) {
	path := writeConfig(t, `
tunnels {
  port_min = 9200
  port_max = 9100
}
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for inverted port range")
	}
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
health {
  interval = "soon"
}
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unparseable health interval")
	}
}

func TestFormatVersion(t *testing.T) {
	cases := map[string]string{
		"v1.4.0":        "1.4.0",
		"devel-ab12cd3": "devel-ab12cd3",
		"devel":         "devel",
	}
	for in, want := range cases {
		if got := FormatVersion(in); got != want {
			t.Errorf("FormatVersion(%q) = %q, want %q", in, got, want)
		}
	}
}
