package broker

import (
	"context"
	"time"

	"github.com/victorarias/rbroker/internal/rhost"
)

const parentPollInterval = time.Second

// WatchParent returns a channel closed once pid is no longer alive or ctx
// ends. pid <= 0 watches nothing and the channel only closes with ctx.
func WatchParent(ctx context.Context, pid int, interval time.Duration) <-chan struct{} {
	gone := make(chan struct{})
	if interval <= 0 {
		interval = parentPollInterval
	}
	go func() {
		defer close(gone)
		if pid <= 0 {
			<-ctx.Done()
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if !rhost.ProcessAlive(pid) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return gone
}
