// Package brokertest runs brokers for tests of broker clients. Start serves
// one in-process over httptest; Run and Install turn the test binary into a
// broker executable that a LocalBrokerClient can spawn.
package brokertest

import (
	"context"
	"fmt"
	"net/http/httptest"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/victorarias/rbroker/internal/broker"
	"github.com/victorarias/rbroker/internal/config"
	"github.com/victorarias/rbroker/internal/interpreters"
	"github.com/victorarias/rbroker/internal/logging"
	"github.com/victorarias/rbroker/internal/rhost"
	"github.com/victorarias/rbroker/internal/rhost/rhosttest"
	"github.com/victorarias/rbroker/internal/session"
)

// ModeEnv makes the test binary act as `rbroker serve`.
const ModeEnv = "RBROKER_FAKE_BROKER"

const brokerPathEnv = "RBROKER_BROKER_PATH"

// Run acts as the broker and exits when ModeEnv is set; otherwise it returns.
// Call it from TestMain before rhosttest.Run.
func Run() {
	if os.Getenv(ModeEnv) == "" {
		return
	}
	// Hosts started by this broker re-exec the same binary.
	os.Unsetenv(ModeEnv)
	os.Exit(serve(os.Args[1:]))
}

func serve(args []string) int {
	if len(args) == 0 || args[0] != "serve" {
		fmt.Fprintf(os.Stderr, "fake broker: expected serve, got %v\n", args)
		return 2
	}
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fake broker: %v\n", err)
		return 2
	}
	v, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fake broker: %v\n", err)
		return 1
	}
	if err := config.BindFlags(v, fs); err != nil {
		fmt.Fprintf(os.Stderr, "fake broker: %v\n", err)
		return 1
	}
	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fake broker: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := broker.Run(ctx, cfg, "test", logging.NewWriter(os.Stderr)); err != nil {
		fmt.Fprintf(os.Stderr, "fake broker: %v\n", err)
		return 1
	}
	return 0
}

// Install makes the test binary the broker executable for this test and
// returns the host base directory with the fake host installed in it.
func Install(t testing.TB) string {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	t.Setenv(brokerPathEnv, self)
	t.Setenv(ModeEnv, "1")
	return rhosttest.Install(t)
}

// Broker is an in-process broker served over httptest.
type Broker struct {
	URL     *url.URL
	Manager *session.Manager
	// RHome is the install path of the broker's only interpreter, "local".
	RHome string
}

// Options for Start.
type Options struct {
	Secret string
	// NoInterpreters starts the broker with an empty interpreter table.
	NoInterpreters bool
}

// Start serves a broker until the test ends. Hosts are the fake host from
// rhosttest, so the calling package's TestMain must call rhosttest.Run.
func Start(t testing.TB, opts Options) *Broker {
	t.Helper()
	baseDir := rhosttest.Install(t)
	rHome := t.TempDir()

	configured := map[string]string{}
	if !opts.NoInterpreters {
		configured["local"] = rHome
	}
	launcher := &rhost.Launcher{Locator: rhost.Locator{BaseDir: baseDir}}
	manager := session.NewManager(launcher, session.ManagerOptions{}, nil)
	srv := broker.NewServer(manager, interpreters.New(configured, nil), broker.Options{
		Name:       "test-broker",
		Version:    "test",
		InstanceID: "test-instance",
		Secret:     opts.Secret,
	}, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.CloseConnections(ctx)
		ts.Close()
		manager.Shutdown(ctx)
	})

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	return &Broker{URL: u, Manager: manager, RHome: rHome}
}
