//go:build rbrokerdebug

package client

import "time"

// Debug builds are used with hosts paused in a debugger, so liveness checks
// wait much longer before giving up.
const (
	debugBuild = true

	heartbeatTimeout = 10 * time.Minute
	handshakeTimeout = 500 * time.Second
)
