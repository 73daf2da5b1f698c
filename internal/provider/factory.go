package provider

import (
	"os"

	"github.com/victorarias/rbroker/internal/client"
	"github.com/victorarias/rbroker/internal/logging"
	"github.com/victorarias/rbroker/internal/protocol"
)

// DefaultBrokerFactory starts a local broker for file URIs and talks to
// remote brokers directly. creds supplies remote credentials; when nil the
// default user name with an empty password is used.
func DefaultBrokerFactory(local client.LocalOptions, creds func(client.BrokerConnectionInfo) client.Credentials, logf logging.LogFunc) BrokerFactory {
	return func(name string, info client.BrokerConnectionInfo) (client.Broker, error) {
		if !info.IsRemote() {
			return client.NewLocalBrokerClient(name, info, local, logf), nil
		}
		var c client.Credentials
		if creds != nil {
			c = creds(info)
		}
		if c == nil {
			c = client.NewStaticCredentials(protocol.DefaultUser, "")
		}
		return client.NewBrokerClient(name, info, c, logf)
	}
}

// Installations resolves the first interpreter whose directory exists.
type Installations []Interpreter

func (l Installations) DefaultInterpreter() (Interpreter, bool) {
	for _, interp := range l {
		if fi, err := os.Stat(interp.Path); err == nil && fi.IsDir() {
			return interp, true
		}
	}
	return Interpreter{}, false
}
