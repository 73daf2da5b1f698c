package client

import (
	"context"
	"sync/atomic"

	"github.com/victorarias/rbroker/internal/protocol"
)

// Proxy forwards to a broker that can be swapped at any time. Calls already
// in flight finish against the broker they started on.
type Proxy struct {
	current atomic.Pointer[brokerBox]
}

type brokerBox struct {
	broker Broker
}

func NewProxy() *Proxy {
	p := &Proxy{}
	p.current.Store(&brokerBox{broker: NullBroker{}})
	return p
}

// Set installs b and returns the broker it replaced. A nil b installs
// NullBroker.
func (p *Proxy) Set(b Broker) Broker {
	if b == nil {
		b = NullBroker{}
	}
	return p.current.Swap(&brokerBox{broker: b}).broker
}

func (p *Proxy) Current() Broker {
	return p.current.Load().broker
}

// HasBroker reports whether a real broker is installed.
func (p *Proxy) HasBroker() bool {
	_, isNull := p.Current().(NullBroker)
	return !isNull
}

func (p *Proxy) ConnectionInfo() BrokerConnectionInfo { return p.Current().ConnectionInfo() }
func (p *Proxy) Name() string                         { return p.Current().Name() }

func (p *Proxy) Connect(ctx context.Context, info HostConnectionInfo) (*Host, error) {
	return p.Current().Connect(ctx, info)
}

func (p *Proxy) TerminateSession(ctx context.Context, name string) error {
	return p.Current().TerminateSession(ctx, name)
}

func (p *Proxy) Sessions(ctx context.Context) ([]protocol.SessionInfo, error) {
	return p.Current().Sessions(ctx)
}

// Close swaps in NullBroker and closes the broker that was installed.
func (p *Proxy) Close() error {
	return p.Set(nil).Close()
}
