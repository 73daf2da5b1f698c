package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victorarias/rbroker/internal/broker"
	"github.com/victorarias/rbroker/internal/broker/brokertest"
	"github.com/victorarias/rbroker/internal/rhost"
	"github.com/victorarias/rbroker/internal/rhost/rhosttest"
)

func TestParseAnnouncement(t *testing.T) {
	u, err := parseAnnouncement([]byte(`["http://127.0.0.1:50123"]^`))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:50123", u.Host)

	u, err = parseAnnouncement([]byte(`["http://localhost:80"]`))
	require.NoError(t, err)
	assert.Equal(t, "localhost:80", u.Host)

	for _, bad := range []string{
		`[]^`,
		`["http://a:1","http://b:2"]^`,
		`not json^`,
		`["no-host"]^`,
	} {
		_, err := parseAnnouncement([]byte(bad))
		var dErr *HostDisconnectedError
		assert.ErrorAs(t, err, &dErr, bad)
	}
}

func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "rbt")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func TestReadAnnouncement_FromBroker(t *testing.T) {
	path := shortSocketPath(t)
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer l.Close()
	ctx := testContext(t)

	go broker.Announce(ctx, path, []string{"http://127.0.0.1:41000"})

	u, err := readAnnouncement(ctx, l, make(chan struct{}))
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:41000", u.String())
}

func TestReadAnnouncement_BrokerExited(t *testing.T) {
	l, err := net.Listen("unix", shortSocketPath(t))
	require.NoError(t, err)
	defer l.Close()
	exited := make(chan struct{})
	close(exited)

	_, err = readAnnouncement(testContext(t), l, exited)
	var dErr *HostDisconnectedError
	require.ErrorAs(t, err, &dErr)
	assert.Contains(t, dErr.Message, "exited")
}

func TestReadAnnouncement_Timeout(t *testing.T) {
	l, err := net.Listen("unix", shortSocketPath(t))
	require.NoError(t, err)
	defer l.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = readAnnouncement(ctx, l, make(chan struct{}))
	var dErr *HostDisconnectedError
	require.ErrorAs(t, err, &dErr)
	assert.ErrorIs(t, dErr.Err, context.DeadlineExceeded)
}

func TestLocalBrokerClient_BrokerArgs(t *testing.T) {
	rHome := filepath.Join(t.TempDir(), "R")
	c := NewLocalBrokerClient("R 4.3", NewBrokerConnectionInfo("R 4.3", rHome, "", "", ""), LocalOptions{
		Locator:       rhost.Locator{BaseDir: "/opt/rbroker"},
		LogFolder:     "/var/log/rbroker/",
		LogHostOutput: true,
	}, nil)

	args := c.brokerArgs("/tmp/s.sock")
	assert.Equal(t, "serve", args[0])
	assert.Contains(t, args, "local="+rHome)
	assert.Contains(t, args, "/tmp/s.sock")
	assert.Contains(t, args, c.creds.Password())
	assert.Contains(t, args, "--logging.log-host-output=true")
	assert.Contains(t, args, "--logging.log-packets=false")
	assert.Contains(t, args, "/opt/rbroker")
	assert.Contains(t, args, "/var/log/rbroker")
}

func newLocal(t *testing.T) *LocalBrokerClient {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake broker relies on unix process handling")
	}
	baseDir := brokertest.Install(t)
	rhosttest.UseMode(t, rhosttest.ModeEcho)

	rHome := t.TempDir()
	info := NewBrokerConnectionInfo("local R", rHome, "", "", "")
	c := NewLocalBrokerClient("local R", info, LocalOptions{
		Locator:     rhost.Locator{BaseDir: baseDir},
		LogFolder:   t.TempDir(),
		JournalPath: filepath.Join(t.TempDir(), "sessions.db"),
	}, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func (c *LocalBrokerClient) brokerPID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.process == nil {
		return 0
	}
	return c.process.Pid
}

func TestLocalBrokerClient_StartsBrokerOnce(t *testing.T) {
	c := newLocal(t)
	ctx := testContext(t)

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions, "no broker before the first Connect")

	h1, err := c.Connect(ctx, HostConnectionInfo{Name: "console"})
	require.NoError(t, err)
	defer h1.Close()
	pid := c.brokerPID()
	require.NotZero(t, pid)

	h2, err := c.Connect(ctx, HostConnectionInfo{Name: "repl"})
	require.NoError(t, err)
	defer h2.Close()
	assert.Equal(t, pid, c.brokerPID())

	require.NoError(t, h1.Send(ctx, []byte("one")))
	require.NoError(t, h2.Send(ctx, []byte("two")))
	got, err := h1.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
	got, err = h2.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	sessions, err = c.Sessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestLocalBrokerClient_RestartsAfterBrokerExit(t *testing.T) {
	c := newLocal(t)
	ctx := testContext(t)

	h, err := c.Connect(ctx, HostConnectionInfo{Name: "console"})
	require.NoError(t, err)
	first := c.brokerPID()
	require.NoError(t, rhost.KillPID(first))

	_, err = h.Receive(ctx)
	assert.Error(t, err)
	require.Eventually(t, func() bool { return c.brokerPID() == 0 }, 5*time.Second, 20*time.Millisecond)
	assert.False(t, c.connectLock.IsSet())

	h, err = c.Connect(ctx, HostConnectionInfo{Name: "console"})
	require.NoError(t, err)
	defer h.Close()
	second := c.brokerPID()
	assert.NotZero(t, second)
	assert.NotEqual(t, first, second)
}

func TestLocalBrokerClient_CloseKillsBroker(t *testing.T) {
	c := newLocal(t)
	ctx := testContext(t)

	_, err := c.Connect(ctx, HostConnectionInfo{Name: "console"})
	require.NoError(t, err)
	pid := c.brokerPID()

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return !rhost.ProcessAlive(pid) }, 5*time.Second, 20*time.Millisecond)

	_, err = c.Connect(ctx, HostConnectionInfo{Name: "console"})
	var dErr *HostDisconnectedError
	assert.ErrorAs(t, err, &dErr)
}

func TestLocalBrokerClient_MissingBroker(t *testing.T) {
	t.Setenv("RBROKER_BROKER_PATH", "")
	info := NewBrokerConnectionInfo("local R", t.TempDir(), "", "", "")
	c := NewLocalBrokerClient("local R", info, LocalOptions{Locator: rhost.Locator{BaseDir: rhosttest.Install(t)}}, nil)
	defer c.Close()

	_, err := c.Connect(testContext(t), HostConnectionInfo{Name: "console"})
	var missing *rhost.BinaryMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "rbroker", filepath.Base(missing.Path))
}
