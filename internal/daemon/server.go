// Package daemon is the long-running process behind the slurmgate CLI. It
// owns the tunnel manager, the health check loop and the background
// monitoring tasks, and serves a line-oriented command protocol over a
// unix socket.
package daemon

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hpcforge/slurmgate/internal/core"
	"github.com/hpcforge/slurmgate/internal/db"
	"github.com/hpcforge/slurmgate/internal/keyring"
	"github.com/hpcforge/slurmgate/internal/monitor"
	"github.com/hpcforge/slurmgate/internal/netwatch"
	"github.com/hpcforge/slurmgate/internal/slurm"
	"github.com/hpcforge/slurmgate/internal/tunnel"
)

// Daemon wires together the tunnel lifecycle manager, the SLURM client and
// the monitoring tasks. Everything is constructed in Run in dependency
// order; nothing here is a package-level singleton.
type Daemon struct {
	store       *db.DB
	mgr         *tunnel.Manager
	slurmClient *slurm.Client
	usageTask   *monitor.Task
	clusterTask *monitor.Task
	net         *netwatch.Watcher

	listener     net.Listener
	logBroadcast *LogBroadcaster
	verbose      int

	checkNow     chan struct{} // nudges the health loop out of its ticker wait
	shutdownOnce sync.Once
	ctx          context.Context
	cancelFunc   context.CancelFunc
}

// New creates an unstarted daemon
func New() *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		logBroadcast: NewLogBroadcaster(500),
		verbose:      core.Config.Verbose,
		checkNow:     make(chan struct{}, 1),
		ctx:          ctx,
		cancelFunc:   cancel,
	}
}

// Run starts the daemon's main loop. It returns only via os.Exit from the
// signal or STOP_DAEMON paths.
func (d *Daemon) Run() {
	cfg := core.Config

	// Setup custom logger that broadcasts to connected clients
	d.setupLogging()

	// Database first, everything downstream persists through it
	dbPath := core.GetDatabasePath()
	store, err := db.Open(dbPath)
	if err != nil {
		slog.Error("Fatal: Failed to open database", "error", err, "path", dbPath)
		os.Exit(1)
	}
	d.store = store
	slog.Info("Database opened", "path", dbPath)

	version := core.FormatVersion(core.Version)
	if err := d.store.LogTunnelEvent("daemon", "start",
		fmt.Sprintf("version: %s, PID: %d", version, os.Getpid())); err != nil {
		slog.Error("Failed to log daemon start", "error", err)
	}

	// Tunnel machinery
	password := d.resolvePassword(cfg.Cluster)
	alloc := tunnel.NewAllocator(cfg.Tunnels.PortMin, cfg.Tunnels.PortMax)
	sup := tunnel.NewSupervisor(cfg.Tunnels, cfg.Cluster, password)
	checker := tunnel.NewChecker(cfg.ProbeTimeout(), cfg.Health.Parallelism)
	d.mgr = tunnel.NewManager(store, alloc, sup, checker,
		cfg.Tunnels.ForwardPortOffset, cfg.Health.AutoCloseThreshold)

	// SLURM client is optional at startup. Without head node credentials
	// the daemon still serves CLOSE/STATUS/HEALTH for restored tunnels.
	if cfg.Cluster.Host != "" {
		runner, err := slurm.NewSSHRunner(cfg.Cluster, password)
		if err != nil {
			slog.Warn("SLURM head node unavailable, OPEN disabled", "error", err)
		} else {
			d.slurmClient = slurm.NewClient(runner)
		}
	} else {
		slog.Warn("No cluster host configured, OPEN disabled")
	}

	// Setup PID and socket files and ensure they are cleaned up on exit
	socketPath := core.GetSocketPath()
	pidFilePath := core.GetPIDFilePath()

	listener, err := d.listen(socketPath)
	if err != nil {
		slog.Error(fmt.Sprintf("Fatal: Could not create socket listener: %v", err))
		os.Exit(1)
	}
	d.listener = listener

	os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
	defer os.Remove(pidFilePath)
	defer os.Remove(socketPath)

	slog.Info(fmt.Sprintf("Daemon listening on %s", socketPath))

	// Recover tunnels persisted by a previous daemon before anything can
	// hand out their ports again.
	summary := d.mgr.Restore(d.ctx)
	if summary.Restored > 0 || summary.Failed > 0 {
		slog.Info("Startup recovery complete",
			"restored", summary.Restored, "failed", summary.Failed)
	}

	// Connectivity watcher gates the health loop; coming back online
	// triggers an immediate sweep instead of waiting out the interval.
	d.net = netwatch.New(func(online bool) {
		if online {
			select {
			case d.checkNow <- struct{}{}:
			default:
			}
		}
	})
	d.net.Start(d.ctx)

	go d.healthLoop(cfg.HealthInterval())

	// Background monitoring tasks
	d.usageTask = monitor.NewUsageTask(store, d.mgr,
		time.Duration(cfg.Monitor.UsageIntervalMinutes)*time.Minute)
	if err := d.usageTask.Start(); err != nil {
		slog.Error("Failed to start usage monitor", "error", err)
	}

	if cfg.Monitor.ClusterEnabled && d.slurmClient != nil {
		d.clusterTask = monitor.NewClusterTask(store, d.slurmClient,
			time.Duration(cfg.Monitor.ClusterIntervalMinutes)*time.Minute)
		if err := d.clusterTask.Start(); err != nil {
			slog.Error("Failed to start cluster monitor", "error", err)
		}
	}

	// Watch config file for changes
	d.watchConfig()

	// Handle signals
	shutdownChan := make(chan os.Signal, 1)
	hupChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	signal.Notify(hupChan, syscall.SIGHUP)

	go func() {
		<-shutdownChan
		slog.Info("Shutdown signal received")
		d.shutdown()
		if d.listener != nil {
			d.listener.Close()
		}
		os.Exit(0)
	}()

	go func() {
		for range hupChan {
			slog.Info("SIGHUP received, reloading configuration")
			d.reloadConfig()
		}
	}()

	// Accept connections in a loop
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed network connection") {
				slog.Info(fmt.Sprintf("Error accepting connection: %v", err))
			}
			break
		}
		go d.handleConnection(conn)
	}
}

// listen creates the unix socket, recovering from a stale socket file left
// behind by a crashed daemon. A live daemon on the socket is fatal.
func (d *Daemon) listen(socketPath string) (net.Listener, error) {
	listener, err := net.Listen("unix", socketPath)
	if err == nil {
		return listener, nil
	}

	if _, statErr := os.Stat(socketPath); statErr == nil {
		conn, dialErr := net.Dial("unix", socketPath)
		if dialErr == nil {
			conn.Close()
			slog.Error("Fatal: Daemon is already running")
			os.Exit(1)
		}
		slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
		if removeErr := os.Remove(socketPath); removeErr != nil {
			return nil, fmt.Errorf("could not remove stale socket: %w", removeErr)
		}
		return net.Listen("unix", socketPath)
	}
	return nil, err
}

// resolvePassword prefers an explicit password (config or environment) and
// falls back to the OS keyring when use_keyring is set. Missing password is
// not an error - identity file auth may still work.
func (d *Daemon) resolvePassword(cc core.ClusterConfig) string {
	if cc.Password != "" {
		return cc.Password
	}
	if cc.UseKeyring {
		password, err := keyring.GetPassword(cc.Host)
		if err != nil {
			slog.Warn("Failed to read password from keyring", "host", cc.Host, "error", err)
			return ""
		}
		return password
	}
	return ""
}

// healthLoop runs the periodic sweep over all live tunnels. While the host
// is offline the sweep is skipped entirely - every probe would fail and
// we would demote tunnels for a problem on our side of the wire.
func (d *Daemon) healthLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		case <-d.checkNow:
		}

		if !d.net.Online() {
			slog.Debug("Skipping health sweep while offline")
			continue
		}

		ctx, cancel := context.WithTimeout(d.ctx, interval)
		if _, err := d.mgr.CheckAll(ctx); err != nil {
			slog.Error("Health sweep failed", "error", err)
		}
		cancel()
	}
}

// watchConfig reloads monitoring intervals when the config file changes.
// Editors replace files via rename, so the watch is on the directory.
func (d *Daemon) watchConfig() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config watcher", "error", err)
		return
	}

	configFile := core.GetConfigFilePath()
	if err := watcher.Add(core.Config.ConfigPath); err != nil {
		slog.Error("Failed to watch config directory", "error", err)
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()

		// Debounce: editors fire several events per save
		var timer *time.Timer
		for {
			select {
			case <-d.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != configFile {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(500*time.Millisecond, func() {
					slog.Info("Config file changed, reloading")
					d.reloadConfig()
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watcher error", "error", err)
			}
		}
	}()
}

// reloadConfig re-reads the config file and applies what can change at
// runtime: verbosity and monitoring intervals. Port range, cluster
// credentials and command templates need a daemon restart.
func (d *Daemon) reloadConfig() {
	cfg, err := core.LoadConfig(core.GetConfigFilePath())
	if err != nil {
		slog.Error("Config reload failed, keeping previous configuration", "error", err)
		return
	}
	cfg.ConfigPath = core.Config.ConfigPath
	core.Config = cfg
	d.verbose = cfg.Verbose
	d.setupLogging()

	if d.usageTask != nil {
		interval := time.Duration(cfg.Monitor.UsageIntervalMinutes) * time.Minute
		if err := d.usageTask.RestartWithInterval(interval); err != nil {
			slog.Error("Failed to restart usage monitor", "error", err)
		}
	}
	if d.clusterTask != nil {
		interval := time.Duration(cfg.Monitor.ClusterIntervalMinutes) * time.Minute
		if err := d.clusterTask.RestartWithInterval(interval); err != nil {
			slog.Error("Failed to restart cluster monitor", "error", err)
		}
	}
	slog.Info("Configuration reloaded")
}

func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		// Stop monitors first so no tick fires against a closed database
		if d.usageTask != nil {
			d.usageTask.Stop()
		}
		if d.clusterTask != nil {
			d.clusterTask.Stop()
		}

		d.cancelFunc()

		// Tunnel processes are deliberately left running: they are in
		// their own sessions and the next daemon restores them.
		if d.store != nil {
			version := core.FormatVersion(core.Version)
			if err := d.store.LogTunnelEvent("daemon", "stop",
				fmt.Sprintf("version: %s, PID: %d", version, os.Getpid())); err != nil {
				slog.Error("Failed to log daemon stop", "error", err)
			}
			if err := d.store.Close(); err != nil {
				slog.Error("Failed to close database", "error", err)
			}
		}
		slog.Info("Daemon shut down")
	})
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	parts := strings.Fields(scanner.Text())
	if len(parts) == 0 {
		return
	}
	command, args := parts[0], parts[1:]

	if command != "VERSION" {
		if len(args) > 0 {
			slog.Info(fmt.Sprintf("Executing command: %s %v", command, args))
		} else {
			slog.Info(fmt.Sprintf("Executing command: %s", command))
		}
	}

	var response Response
	switch command {
	case "OPEN":
		if len(args) > 0 {
			response = d.openTunnel(args[0])
		} else {
			response.AddMessage("Usage: OPEN <job_id>", "ERROR")
		}
	case "CLOSE":
		if len(args) > 0 {
			response = d.closeTunnel(args[0])
		} else {
			response.AddMessage("Usage: CLOSE <tunnel_id>", "ERROR")
		}
	case "STATUS":
		response = d.getStatus()
	case "HEALTH":
		response = d.runHealthSweep()
	case "EVENTS":
		limit := 20
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
				limit = n
			}
		}
		response = d.getEvents(limit)
	case "MONITOR":
		response = d.handleMonitor(args)
	case "LOGS":
		historyLines := 20
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil {
				historyLines = n
			}
		}
		d.handleLogs(conn, historyLines)
		return // Log streaming sends no JSON response
	case "VERSION":
		response = d.getVersion()
	case "STOP_DAEMON":
		response.AddMessage("Daemon stopping", "INFO")
		conn.Write([]byte(response.ToJSON()))
		slog.Info("Stop command received. Shutting down daemon.")
		d.shutdown()
		if d.listener != nil {
			d.listener.Close()
		}
		os.Exit(0)
	default:
		response.AddMessage("Unknown command.", "ERROR")
	}
	conn.Write([]byte(response.ToJSON()))
}
