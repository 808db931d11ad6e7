//go:build linux

package netwatch

import (
	"context"
	"log/slog"
	"os"

	"github.com/godbus/dbus/v5"
)

// NetworkManager global state values; >= 60 means full connectivity,
// 50 is local/site-only. We treat >= 50 as online since the cluster may
// well be on a site network.
const nmStateConnectedSite = uint32(50)

// start subscribes to NetworkManager StateChanged signals over the system
// bus. Missing D-Bus or NetworkManager degrades to always-online.
func (w *Watcher) start(ctx context.Context) {
	go func() {
		conn, err := dbus.SystemBus()
		if err != nil {
			if os.Getenv("DBUS_SYSTEM_BUS_ADDRESS") == "" {
				slog.Debug("D-Bus unavailable, network watcher disabled (headless server?)")
			} else {
				slog.Warn("Failed to connect to D-Bus for network watching", "error", err)
			}
			return
		}

		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath("/org/freedesktop/NetworkManager"),
			dbus.WithMatchInterface("org.freedesktop.NetworkManager"),
			dbus.WithMatchMember("StateChanged"),
		); err != nil {
			slog.Warn("Failed to subscribe to NetworkManager StateChanged", "error", err)
			return
		}

		// Seed from the current state so we don't wait for the first signal
		nm := conn.Object("org.freedesktop.NetworkManager", "/org/freedesktop/NetworkManager")
		if variant, err := nm.GetProperty("org.freedesktop.NetworkManager.State"); err == nil {
			if state, ok := variant.Value().(uint32); ok {
				w.setOnline(state >= nmStateConnectedSite)
			}
		}

		signals := make(chan *dbus.Signal, 8)
		conn.Signal(signals)

		slog.Info("Network watcher started (D-Bus NetworkManager)")

		for {
			select {
			case <-ctx.Done():
				conn.RemoveSignal(signals)
				slog.Debug("Network watcher stopped")
				return
			case sig := <-signals:
				if sig == nil {
					return
				}
				if sig.Name != "org.freedesktop.NetworkManager.StateChanged" {
					continue
				}
				if len(sig.Body) < 1 {
					continue
				}
				state, ok := sig.Body[0].(uint32)
				if !ok {
					continue
				}
				w.setOnline(state >= nmStateConnectedSite)
			}
		}
	}()
}
