package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victorarias/rbroker/internal/broker/brokertest"
	"github.com/victorarias/rbroker/internal/protocol"
	"github.com/victorarias/rbroker/internal/rhost/rhosttest"
)

type disconnectRecorder struct {
	mu    sync.Mutex
	calls []error
	fired chan struct{}
}

func newDisconnectRecorder() *disconnectRecorder {
	return &disconnectRecorder{fired: make(chan struct{}, 8)}
}

func (r *disconnectRecorder) Disconnected(_ *Host, err error) {
	r.mu.Lock()
	r.calls = append(r.calls, err)
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *disconnectRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newRemote(t *testing.T, b *brokertest.Broker, creds Credentials) *BrokerClient {
	t.Helper()
	info := NewBrokerConnectionInfo("remote", b.URL.String(), "", "", "--quiet")
	require.True(t, info.IsValid())
	c, err := NewBrokerClient("remote", info, creds, nil)
	require.NoError(t, err)
	c.SetHeartbeat(testHeartbeat)
	t.Cleanup(func() { c.Close() })
	return c
}

const testHeartbeat = 100 * time.Millisecond

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewBrokerClient_RejectsNonHTTP(t *testing.T) {
	for _, uri := range []string{"file:///opt/R", "ftp://host/", "http://"} {
		_, err := NewBrokerClient("b", BrokerConnectionInfo{URI: uri}, NewStaticCredentials("", ""), nil)
		assert.Error(t, err, uri)
	}
}

func TestBrokerClient_ConnectEchoes(t *testing.T) {
	b := brokertest.Start(t, brokertest.Options{})
	records := rhosttest.UseMode(t, rhosttest.ModeEcho)
	c := newRemote(t, b, NewStaticCredentials("alice", ""))
	ctx := testContext(t)

	h, err := c.Connect(ctx, HostConnectionInfo{Name: "console", UseRHostCommandLineArguments: true, IsInteractive: true})
	require.NoError(t, err)
	defer h.Close()
	assert.True(t, strings.HasPrefix(h.Name(), "console_"), h.Name())

	for _, msg := range []string{"first", "", "third"} {
		require.NoError(t, h.Send(ctx, []byte(msg)))
		got, err := h.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
	}

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, h.Name(), sessions[0].ID)
	assert.Equal(t, "alice", sessions[0].Owner)
	assert.True(t, sessions[0].ClientConnected)

	recs := rhosttest.Records(t, records)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Args, "--quiet")
	assert.Contains(t, recs[0].Args, "--rhost-interactive")
	assert.Equal(t, b.RHome, recs[0].RHome)
}

func TestBrokerClient_ConnectWithoutHostArguments(t *testing.T) {
	b := brokertest.Start(t, brokertest.Options{})
	records := rhosttest.UseMode(t, rhosttest.ModeEcho)
	c := newRemote(t, b, NewStaticCredentials("alice", ""))

	h, err := c.Connect(testContext(t), HostConnectionInfo{Name: "repl"})
	require.NoError(t, err)
	defer h.Close()

	recs := rhosttest.Records(t, records)
	require.Len(t, recs, 1)
	assert.NotContains(t, recs[0].Args, "--quiet")
	assert.NotContains(t, recs[0].Args, "--rhost-interactive")
}

func TestBrokerClient_TerminateSessionDisconnectsHost(t *testing.T) {
	b := brokertest.Start(t, brokertest.Options{})
	rhosttest.UseMode(t, rhosttest.ModeEcho)
	c := newRemote(t, b, NewStaticCredentials("alice", ""))
	ctx := testContext(t)
	callbacks := newDisconnectRecorder()

	h, err := c.Connect(ctx, HostConnectionInfo{Name: "console", Callbacks: callbacks})
	require.NoError(t, err)

	require.NoError(t, c.TerminateSession(ctx, h.Name()))

	_, err = h.Receive(ctx)
	var dErr *HostDisconnectedError
	require.ErrorAs(t, err, &dErr)
	assert.Contains(t, dErr.Message, "exited")
	assert.ErrorIs(t, err, context.Canceled)

	select {
	case <-callbacks.fired:
	case <-ctx.Done():
		t.Fatal("Disconnected was not called")
	}
	<-h.Done()
	assert.Equal(t, dErr, h.Err())

	// A second failure does not call back again.
	assert.Error(t, h.Send(ctx, []byte("late")))
	assert.Equal(t, 1, callbacks.count())

	sessions, err := c.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestBrokerClient_CloseEndsSession(t *testing.T) {
	b := brokertest.Start(t, brokertest.Options{})
	rhosttest.UseMode(t, rhosttest.ModeEcho)
	c := newRemote(t, b, NewStaticCredentials("alice", ""))
	ctx := testContext(t)
	callbacks := newDisconnectRecorder()

	h, err := c.Connect(ctx, HostConnectionInfo{Name: "console", Callbacks: callbacks})
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.NoError(t, h.Err())
	assert.Zero(t, callbacks.count())

	require.Eventually(t, func() bool {
		sessions, err := c.Sessions(ctx)
		return err == nil && len(sessions) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBrokerClient_ConnectMapsAPIErrors(t *testing.T) {
	t.Run("no interpreters", func(t *testing.T) {
		b := brokertest.Start(t, brokertest.Options{NoInterpreters: true})
		c := newRemote(t, b, NewStaticCredentials("alice", ""))

		_, err := c.Connect(testContext(t), HostConnectionInfo{Name: "console"})
		var dErr *HostDisconnectedError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, "No R interpreters are installed on the broker.", dErr.Message)
		var apiErr *protocol.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, protocol.ErrNoRInterpreters, apiErr.Code)
	})

	t.Run("host fails to start", func(t *testing.T) {
		b := brokertest.Start(t, brokertest.Options{})
		rhosttest.UseMode(t, rhosttest.ModeFail)
		c := newRemote(t, b, NewStaticCredentials("alice", ""))

		_, err := c.Connect(testContext(t), HostConnectionInfo{Name: "console"})
		var dErr *HostDisconnectedError
		require.ErrorAs(t, err, &dErr)
		assert.True(t, strings.HasPrefix(dErr.Message, "Unable to start the R host"), dErr.Message)
	})
}

func TestBrokerClient_Credentials(t *testing.T) {
	b := brokertest.Start(t, brokertest.Options{Secret: "s3cret"})
	rhosttest.UseMode(t, rhosttest.ModeEcho)

	t.Run("rejected", func(t *testing.T) {
		c := newRemote(t, b, NewStaticCredentials("alice", "wrong"))
		_, err := c.Connect(testContext(t), HostConnectionInfo{Name: "console"})
		assert.ErrorIs(t, err, ErrCredentialsExhausted)
		var dErr *HostDisconnectedError
		require.ErrorAs(t, err, &dErr)
		assert.Contains(t, dErr.Message, "rejected the credentials")
	})

	t.Run("accepted", func(t *testing.T) {
		c := newRemote(t, b, NewStaticCredentials("alice", "s3cret"))
		h, err := c.Connect(testContext(t), HostConnectionInfo{Name: "console"})
		require.NoError(t, err)
		h.Close()
	})
}

func TestBrokerClient_NotResponding(t *testing.T) {
	info := NewBrokerConnectionInfo("gone", "http://127.0.0.1:1", "", "", "")
	c, err := NewBrokerClient("gone", info, NewStaticCredentials("alice", ""), nil)
	require.NoError(t, err)

	_, err = c.Connect(testContext(t), HostConnectionInfo{Name: "console"})
	var dErr *HostDisconnectedError
	require.ErrorAs(t, err, &dErr)
	assert.Contains(t, dErr.Message, "not responding")
}

func TestBrokerClient_ConnectCancelled(t *testing.T) {
	b := brokertest.Start(t, brokertest.Options{})
	c := newRemote(t, b, NewStaticCredentials("alice", ""))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Connect(ctx, HostConnectionInfo{Name: "console"})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestHost_HeartbeatKeepsConnection(t *testing.T) {
	b := brokertest.Start(t, brokertest.Options{})
	rhosttest.UseMode(t, rhosttest.ModeEcho)
	c := newRemote(t, b, NewStaticCredentials("alice", ""))
	ctx := testContext(t)

	h, err := c.Connect(ctx, HostConnectionInfo{Name: "console"})
	require.NoError(t, err)
	defer h.Close()

	got := make(chan string, 1)
	go func() {
		data, err := h.Receive(ctx)
		if err != nil {
			got <- err.Error()
			return
		}
		got <- string(data)
	}()

	time.Sleep(500 * time.Millisecond)
	require.NoError(t, h.Err())
	require.NoError(t, h.Send(ctx, []byte("after pings")))
	assert.Equal(t, "after pings", <-got)
}

func TestHost_IdleHostSurvivesHeartbeats(t *testing.T) {
	b := brokertest.Start(t, brokertest.Options{})
	rhosttest.UseMode(t, rhosttest.ModeEcho)
	c := newRemote(t, b, NewStaticCredentials("alice", ""))
	ctx := testContext(t)

	h, err := c.Connect(ctx, HostConnectionInfo{Name: "console"})
	require.NoError(t, err)
	defer h.Close()

	// Nobody reads while several heartbeat periods pass.
	time.Sleep(8 * testHeartbeat)
	require.NoError(t, h.Err())
	select {
	case <-h.Done():
		t.Fatal("idle host was dropped")
	default:
	}
	assert.Len(t, b.Manager.GetSessions("alice"), 1)

	require.NoError(t, h.Send(ctx, []byte("still here")))
	got, err := h.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(got))
}

func TestHost_ReceiveQueuesUnreadMessages(t *testing.T) {
	b := brokertest.Start(t, brokertest.Options{})
	rhosttest.UseMode(t, rhosttest.ModeEcho)
	c := newRemote(t, b, NewStaticCredentials("alice", ""))
	ctx := testContext(t)

	h, err := c.Connect(ctx, HostConnectionInfo{Name: "console"})
	require.NoError(t, err)
	defer h.Close()

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, h.Send(ctx, []byte(msg)))
	}
	time.Sleep(4 * testHeartbeat)
	for _, want := range []string{"one", "two", "three"} {
		got, err := h.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestHost_CancelledReceiveKeepsConnection(t *testing.T) {
	b := brokertest.Start(t, brokertest.Options{})
	rhosttest.UseMode(t, rhosttest.ModeEcho)
	c := newRemote(t, b, NewStaticCredentials("alice", ""))
	ctx := testContext(t)

	h, err := c.Connect(ctx, HostConnectionInfo{Name: "console"})
	require.NoError(t, err)
	defer h.Close()

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = h.Receive(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, h.Send(ctx, []byte("ping")))
	got, err := h.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))
}

func TestBrokerClient_Info(t *testing.T) {
	b := brokertest.Start(t, brokertest.Options{})
	c := newRemote(t, b, NewStaticCredentials("alice", ""))

	info, err := c.Info(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "test-broker", info.Name)
	require.Len(t, info.Interpreters, 1)
	assert.Equal(t, "local", info.Interpreters[0].ID)
}
