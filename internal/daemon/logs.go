package daemon

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// LogBroadcaster fans daemon log output out to subscribed IPC clients,
// keeping a ring buffer of recent lines for replay on attach.
type LogBroadcaster struct {
	mu      sync.Mutex
	clients map[chan string]bool
	history []string
	maxHist int
}

// NewLogBroadcaster creates a broadcaster with the given history size
func NewLogBroadcaster(historySize int) *LogBroadcaster {
	if historySize <= 0 {
		historySize = 500
	}
	return &LogBroadcaster{
		clients: make(map[chan string]bool),
		history: make([]string, 0, historySize),
		maxHist: historySize,
	}
}

// Subscribe registers a client and returns its channel plus up to
// historyLines of recent output.
func (lb *LogBroadcaster) Subscribe(historyLines int) (chan string, []string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	ch := make(chan string, 100)
	lb.clients[ch] = true

	var history []string
	if historyLines > 0 && len(lb.history) > 0 {
		start := len(lb.history) - historyLines
		if start < 0 {
			start = 0
		}
		history = make([]string, len(lb.history)-start)
		copy(history, lb.history[start:])
	}
	return ch, history
}

// Unsubscribe removes a client and closes its channel
func (lb *LogBroadcaster) Unsubscribe(ch chan string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.clients, ch)
	close(ch)
}

// Broadcast sends a line to every subscriber. Slow clients are skipped
// rather than blocking the logger.
func (lb *LogBroadcaster) Broadcast(message string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.history) >= lb.maxHist {
		lb.history = lb.history[1:]
	}
	lb.history = append(lb.history, message)

	for ch := range lb.clients {
		select {
		case ch <- message:
		default:
		}
	}
}

type logWriter struct {
	broadcaster *LogBroadcaster
}

func (lw *logWriter) Write(p []byte) (int, error) {
	lw.broadcaster.Broadcast(string(p))
	return len(p), nil
}

// setupLogging routes slog through tint to both stderr and the broadcaster
func (d *Daemon) setupLogging() {
	multiWriter := io.MultiWriter(os.Stderr, &logWriter{broadcaster: d.logBroadcast})

	level := slog.LevelInfo
	if d.verbose > 0 {
		level = slog.LevelDebug
	}

	handler := tint.NewHandler(multiWriter, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})
	slog.SetDefault(slog.New(handler))
}

// handleLogs streams daemon logs to the client until they disconnect
func (d *Daemon) handleLogs(conn net.Conn, historyLines int) {
	defer conn.Close()

	logChan, history := d.logBroadcast.Subscribe(historyLines)
	defer d.logBroadcast.Unsubscribe(logChan)

	if _, err := conn.Write([]byte("Connected to slurmgate daemon logs. Press Ctrl+C to exit.\n")); err != nil {
		return
	}
	for _, msg := range history {
		if _, err := conn.Write([]byte(msg)); err != nil {
			return
		}
	}

	// Detect client disconnect by draining its side of the socket
	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, bufio.NewReader(conn))
		close(done)
	}()

	for {
		select {
		case msg, ok := <-logChan:
			if !ok {
				return
			}
			if _, err := conn.Write([]byte(msg)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
