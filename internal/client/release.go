//go:build !rbrokerdebug

package client

import "time"

const (
	debugBuild = false

	heartbeatTimeout = 5 * time.Second
	// handshakeTimeout bounds the wait for a spawned broker to announce its
	// URL.
	handshakeTimeout = 100 * time.Second
)
