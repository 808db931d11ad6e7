//go:build !linux

package netwatch

import "context"

// start is a no-op on platforms without a connectivity signal source;
// the watcher stays in its always-online default.
func (w *Watcher) start(ctx context.Context) {}
