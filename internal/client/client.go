// Package client talks to R session brokers, local or remote.
package client

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/victorarias/rbroker/internal/protocol"
)

// Broker is a connection to one broker
type Broker interface {
	ConnectionInfo() BrokerConnectionInfo
	Name() string
	// Connect creates a broker session and attaches to its pipe.
	Connect(ctx context.Context, info HostConnectionInfo) (*Host, error)
	TerminateSession(ctx context.Context, name string) error
	Sessions(ctx context.Context) ([]protocol.SessionInfo, error)
	Close() error
}

// HostConnectionInfo describes the host a client session wants
type HostConnectionInfo struct {
	// Name prefixes the unique broker session name.
	Name      string
	Callbacks Callbacks
	// UseRHostCommandLineArguments passes the broker connection's R
	// arguments on to the host.
	UseRHostCommandLineArguments bool
	IsInteractive                bool
}

// Callbacks receive host events. Disconnected is called once, from the
// goroutine that noticed the disconnect.
type Callbacks interface {
	Disconnected(h *Host, err error)
}

// BrokerConnectionInfo identifies a broker. Two values with the same fields
// describe the same broker.
type BrokerConnectionInfo struct {
	Name                 string
	URI                  string
	InterpreterPath      string
	Architecture         string
	Version              string
	CommandLineArguments string
}

// NewBrokerConnectionInfo validates interpreterPath, which must be an absolute
// path for a local broker or an absolute URL for a remote one. An invalid
// path yields the zero value.
func NewBrokerConnectionInfo(name, interpreterPath, architecture, version, commandLineArguments string) BrokerConnectionInfo {
	uri, ok := interpreterURI(interpreterPath)
	if !ok {
		return BrokerConnectionInfo{}
	}
	return BrokerConnectionInfo{
		Name:                 name,
		URI:                  uri,
		InterpreterPath:      interpreterPath,
		Architecture:         architecture,
		Version:              version,
		CommandLineArguments: strings.TrimSpace(commandLineArguments),
	}
}

func interpreterURI(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	if filepath.IsAbs(path) {
		return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), true
	}
	u, err := url.Parse(path)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", false
	}
	return u.String(), true
}

func (i BrokerConnectionInfo) IsValid() bool {
	return i.URI != ""
}

// IsRemote reports whether the broker is reached over the network rather
// than started locally.
func (i BrokerConnectionInfo) IsRemote() bool {
	return i.IsValid() && !strings.HasPrefix(i.URI, "file:")
}

func (i BrokerConnectionInfo) Equal(other BrokerConnectionInfo) bool {
	return i == other
}

// RHome returns the interpreter directory of a local broker.
func (i BrokerConnectionInfo) RHome() string {
	if i.IsRemote() {
		return ""
	}
	return filepath.Clean(i.InterpreterPath)
}
