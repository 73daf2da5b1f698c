package client

import (
	"context"

	"github.com/victorarias/rbroker/internal/protocol"
)

// NullBroker stands in while no broker is connected. Every operation fails
// with *HostDisconnectedError.
type NullBroker struct{}

func (NullBroker) ConnectionInfo() BrokerConnectionInfo { return BrokerConnectionInfo{} }
func (NullBroker) Name() string                         { return "" }

func (NullBroker) Connect(context.Context, HostConnectionInfo) (*Host, error) {
	return nil, errNoBroker()
}

func (NullBroker) TerminateSession(context.Context, string) error {
	return errNoBroker()
}

func (NullBroker) Sessions(context.Context) ([]protocol.SessionInfo, error) {
	return nil, errNoBroker()
}

func (NullBroker) Close() error { return nil }

func errNoBroker() error {
	return disconnected(nil, "no broker connected")
}
