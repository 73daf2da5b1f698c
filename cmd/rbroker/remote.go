package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/victorarias/rbroker/internal/client"
	"github.com/victorarias/rbroker/internal/protocol"
)

const defaultBrokerURL = "http://127.0.0.1:5118"

// brokerFlags select the broker the inspection commands talk to.
type brokerFlags struct {
	url      string
	user     string
	password string
}

func (f *brokerFlags) register(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.StringVar(&f.url, "broker", envOr("RBROKER_URL", defaultBrokerURL), "broker URL")
	fs.StringVar(&f.user, "user", envOr("RBROKER_USER", protocol.DefaultUser), "user name the sessions belong to")
	fs.StringVar(&f.password, "password", os.Getenv("RBROKER_PASSWORD"), "broker secret")
}

func (f *brokerFlags) client() (*client.BrokerClient, error) {
	info := client.NewBrokerConnectionInfo("rbroker", f.url, "", "", "")
	if !info.IsValid() {
		return nil, fmt.Errorf("invalid broker URL %q", f.url)
	}
	return client.NewBrokerClient(f.url, info, client.NewStaticCredentials(f.user, f.password), nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
