// Package netwatch tracks whether this host has network connectivity.
// The daemon's health loop uses it to avoid demoting tunnels while the
// problem is on our side of the wire.
package netwatch

import (
	"context"
	"log/slog"
	"sync"
)

// Watcher reports the host's online state. Platforms without a usable
// signal source fall back to always-online, which simply disables the
// health-loop gating.
type Watcher struct {
	mu       sync.Mutex
	online   bool
	onChange func(online bool)
}

// New creates a watcher that assumes online until told otherwise.
// onChange may be nil.
func New(onChange func(online bool)) *Watcher {
	return &Watcher{online: true, onChange: onChange}
}

// Online reports the last observed connectivity state
func (w *Watcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

func (w *Watcher) setOnline(online bool) {
	w.mu.Lock()
	changed := w.online != online
	w.online = online
	cb := w.onChange
	w.mu.Unlock()

	if changed {
		slog.Info("Network connectivity changed", "online", online)
		if cb != nil {
			cb(online)
		}
	}
}

// Start begins watching for connectivity changes until ctx is cancelled.
// Platform-specific; see netwatch_linux.go and netwatch_stub.go.
func (w *Watcher) Start(ctx context.Context) {
	w.start(ctx)
}
