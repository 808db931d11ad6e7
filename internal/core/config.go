package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/kelseyhightower/envconfig"
)

const (
	BaseDirName    = ".config/slurmgate"
	ConfigFileName = "config.hcl"
	PidFileName    = "daemon.pid"
	SocketName     = "daemon.sock"
	DatabaseName   = "slurmgate.db"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete slurmgate configuration
type Configuration struct {
	ConfigPath string // Directory containing config file, socket, pid file and database
	Verbose    int    // Verbosity level

	Cluster ClusterConfig // Cluster head node connection settings
	Tunnels TunnelConfig  // Tunnel port range and process command settings
	Health  HealthConfig  // Health check loop settings
	Monitor MonitorConfig // Background monitoring task settings
}

// ClusterConfig holds the connection settings for the SLURM head node.
// Credentials can be overridden from the environment (SLURMGATE_CLUSTER_*).
type ClusterConfig struct {
	Host         string `envconfig:"SLURMGATE_CLUSTER_HOST"`
	Port         int    `envconfig:"SLURMGATE_CLUSTER_PORT"`
	User         string `envconfig:"SLURMGATE_CLUSTER_USER"`
	IdentityFile string `envconfig:"SLURMGATE_CLUSTER_IDENTITY_FILE"`
	Password     string `envconfig:"SLURMGATE_CLUSTER_PASSWORD"` // Prefer the keyring over this
	UseKeyring   bool   // Look up the password in the OS keyring under the host name
	KnownHosts   string // Path to a known_hosts file; empty disables host key checking
}

// TunnelConfig holds the local port range and the process command templates.
// Command templates expand {local_port}, {forward_port}, {remote_port},
// {node}, {user} and {host} before being split into argv.
type TunnelConfig struct {
	PortMin           int    // First local port handed out to tunnels
	PortMax           int    // Last local port (inclusive)
	ForwardPortOffset int    // Loopback port used by the forwarder is local_port + offset
	ForwarderCommand  string // Template for the SSH port-forward process
	RelayCommand      string // Template for the socket relay process
	SpawnTimeout      string // How long to wait for the local port to accept connections
	TerminateTimeout  string // Graceful termination window before SIGKILL
}

// HealthConfig holds the periodic health check settings
type HealthConfig struct {
	Interval           string // Health sweep period
	ProbeTimeout       string // TCP connect timeout for the port probe
	Parallelism        int    // Max concurrent tunnel checks per sweep
	AutoCloseThreshold int    // Consecutive unhealthy sweeps before auto-close; 0 = report only
}

// MonitorConfig holds the background snapshot task settings
type MonitorConfig struct {
	UsageIntervalMinutes   int
	ClusterIntervalMinutes int
	ClusterEnabled         bool
}

// HCL parsing structs

type hclConfig struct {
	Verbose int         `hcl:"verbose,optional"`
	Cluster *hclCluster `hcl:"cluster,block"`
	Tunnels *hclTunnels `hcl:"tunnels,block"`
	Health  *hclHealth  `hcl:"health,block"`
	Monitor *hclMonitor `hcl:"monitor,block"`
}

type hclCluster struct {
	Host         string `hcl:"host"`
	Port         int    `hcl:"port,optional"`
	User         string `hcl:"user"`
	IdentityFile string `hcl:"identity_file,optional"`
	UseKeyring   *bool  `hcl:"use_keyring,optional"`
	KnownHosts   string `hcl:"known_hosts,optional"`
}

type hclTunnels struct {
	PortMin           int    `hcl:"port_min,optional"`
	PortMax           int    `hcl:"port_max,optional"`
	ForwardPortOffset int    `hcl:"forward_port_offset,optional"`
	ForwarderCommand  string `hcl:"forwarder_command,optional"`
	RelayCommand      string `hcl:"relay_command,optional"`
	SpawnTimeout      string `hcl:"spawn_timeout,optional"`
	TerminateTimeout  string `hcl:"terminate_timeout,optional"`
}

type hclHealth struct {
	Interval           string `hcl:"interval,optional"`
	ProbeTimeout       string `hcl:"probe_timeout,optional"`
	Parallelism        int    `hcl:"parallelism,optional"`
	AutoCloseThreshold int    `hcl:"auto_close_threshold,optional"`
}

type hclMonitor struct {
	UsageIntervalMinutes   int   `hcl:"usage_interval_minutes,optional"`
	ClusterIntervalMinutes int   `hcl:"cluster_interval_minutes,optional"`
	ClusterEnabled         *bool `hcl:"cluster_enabled,optional"`
}

// DefaultForwarderCommand forwards the remote service port to a loopback port
// on this host. The relay then exposes it on the tunnel's public local port.
const DefaultForwarderCommand = "ssh -N -o BatchMode=yes -o ExitOnForwardFailure=yes " +
	"-L 127.0.0.1:{forward_port}:localhost:{remote_port} -J {user}@{host} {user}@{node}"

// DefaultRelayCommand bridges the public local port to the forwarder's loopback port
const DefaultRelayCommand = "socat TCP-LISTEN:{local_port},fork,reuseaddr TCP:127.0.0.1:{forward_port}"

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Cluster: ClusterConfig{
			Port: 22,
		},
		Tunnels: TunnelConfig{
			PortMin:           9000,
			PortMax:           9999,
			ForwardPortOffset: 10000,
			ForwarderCommand:  DefaultForwarderCommand,
			RelayCommand:      DefaultRelayCommand,
			SpawnTimeout:      "10s",
			TerminateTimeout:  "5s",
		},
		Health: HealthConfig{
			Interval:           "30s",
			ProbeTimeout:       "2s",
			Parallelism:        8,
			AutoCloseThreshold: 0,
		},
		Monitor: MonitorConfig{
			UsageIntervalMinutes:   5,
			ClusterIntervalMinutes: 15,
			ClusterEnabled:         true,
		},
	}
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct.
// Missing file is not an error - defaults apply and env overrides still run.
func LoadConfig(filename string) (*Configuration, error) {
	cfg := GetDefaultConfig()
	cfg.ConfigPath = filepath.Dir(filename)

	if _, err := os.Stat(filename); err == nil {
		var hclCfg hclConfig
		if err := hclsimple.DecodeFile(filename, nil, &hclCfg); err != nil {
			return nil, fmt.Errorf("failed to parse HCL config: %w", err)
		}
		applyHCL(cfg, &hclCfg)
	}

	// Environment variables override file-based credentials
	if err := envconfig.Process("", &cfg.Cluster); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyHCL(cfg *Configuration, hclCfg *hclConfig) {
	cfg.Verbose = hclCfg.Verbose

	if c := hclCfg.Cluster; c != nil {
		cfg.Cluster.Host = c.Host
		cfg.Cluster.User = c.User
		cfg.Cluster.IdentityFile = c.IdentityFile
		cfg.Cluster.KnownHosts = c.KnownHosts
		if c.Port != 0 {
			cfg.Cluster.Port = c.Port
		}
		if c.UseKeyring != nil {
			cfg.Cluster.UseKeyring = *c.UseKeyring
		}
	}

	if t := hclCfg.Tunnels; t != nil {
		if t.PortMin != 0 {
			cfg.Tunnels.PortMin = t.PortMin
		}
		if t.PortMax != 0 {
			cfg.Tunnels.PortMax = t.PortMax
		}
		if t.ForwardPortOffset != 0 {
			cfg.Tunnels.ForwardPortOffset = t.ForwardPortOffset
		}
		if t.ForwarderCommand != "" {
			cfg.Tunnels.ForwarderCommand = t.ForwarderCommand
		}
		if t.RelayCommand != "" {
			cfg.Tunnels.RelayCommand = t.RelayCommand
		}
		if t.SpawnTimeout != "" {
			cfg.Tunnels.SpawnTimeout = t.SpawnTimeout
		}
		if t.TerminateTimeout != "" {
			cfg.Tunnels.TerminateTimeout = t.TerminateTimeout
		}
	}

	if h := hclCfg.Health; h != nil {
		if h.Interval != "" {
			cfg.Health.Interval = h.Interval
		}
		if h.ProbeTimeout != "" {
			cfg.Health.ProbeTimeout = h.ProbeTimeout
		}
		if h.Parallelism != 0 {
			cfg.Health.Parallelism = h.Parallelism
		}
		if h.AutoCloseThreshold != 0 {
			cfg.Health.AutoCloseThreshold = h.AutoCloseThreshold
		}
	}

	if m := hclCfg.Monitor; m != nil {
		if m.UsageIntervalMinutes != 0 {
			cfg.Monitor.UsageIntervalMinutes = m.UsageIntervalMinutes
		}
		if m.ClusterIntervalMinutes != 0 {
			cfg.Monitor.ClusterIntervalMinutes = m.ClusterIntervalMinutes
		}
		if m.ClusterEnabled != nil {
			cfg.Monitor.ClusterEnabled = *m.ClusterEnabled
		}
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures deep inside the tunnel manager.
func (c *Configuration) Validate() error {
	if c.Tunnels.PortMin <= 0 || c.Tunnels.PortMax < c.Tunnels.PortMin {
		return fmt.Errorf("invalid tunnel port range %d-%d", c.Tunnels.PortMin, c.Tunnels.PortMax)
	}
	if c.Tunnels.PortMax+c.Tunnels.ForwardPortOffset > 65535 {
		return fmt.Errorf("forward_port_offset %d pushes forward ports past 65535", c.Tunnels.ForwardPortOffset)
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"tunnels.spawn_timeout", c.Tunnels.SpawnTimeout},
		{"tunnels.terminate_timeout", c.Tunnels.TerminateTimeout},
		{"health.interval", c.Health.Interval},
		{"health.probe_timeout", c.Health.ProbeTimeout},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}
	return nil
}

// Duration helpers - config durations are validated at load time, so parse
// failures here fall back to the documented defaults.

func (c *Configuration) SpawnTimeout() time.Duration {
	return parseDurationOr(c.Tunnels.SpawnTimeout, 10*time.Second)
}

func (c *Configuration) TerminateTimeout() time.Duration {
	return parseDurationOr(c.Tunnels.TerminateTimeout, 5*time.Second)
}

func (c *Configuration) HealthInterval() time.Duration {
	return parseDurationOr(c.Health.Interval, 30*time.Second)
}

func (c *Configuration) ProbeTimeout() time.Duration {
	return parseDurationOr(c.Health.ProbeTimeout, 2*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetSocketPath returns the path to the daemon control socket
func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

// GetPIDFilePath returns the path to the daemon pid file
func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

// GetDatabasePath returns the path to the sqlite database
func GetDatabasePath() string {
	return filepath.Join(Config.ConfigPath, DatabaseName)
}

// GetConfigFilePath returns the path to the HCL config file
func GetConfigFilePath() string {
	return filepath.Join(Config.ConfigPath, ConfigFileName)
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}
