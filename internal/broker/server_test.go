package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/victorarias/rbroker/internal/interpreters"
	"github.com/victorarias/rbroker/internal/protocol"
	"github.com/victorarias/rbroker/internal/rhost"
	"github.com/victorarias/rbroker/internal/rhost/rhosttest"
	"github.com/victorarias/rbroker/internal/session"
)

func TestMain(m *testing.M) {
	rhosttest.Run()
	os.Exit(m.Run())
}

type testBroker struct {
	url     *url.URL
	manager *session.Manager
	rHome   string
}

func newTestBroker(t *testing.T, secret string, withInterpreter bool) *testBroker {
	t.Helper()
	baseDir := rhosttest.Install(t)
	rHome := t.TempDir()

	configured := map[string]string{}
	if withInterpreter {
		configured["local"] = rHome
	}
	launcher := &rhost.Launcher{Locator: rhost.Locator{BaseDir: baseDir}}
	manager := session.NewManager(launcher, session.ManagerOptions{}, nil)
	srv := NewServer(manager, interpreters.New(configured, nil), Options{
		Name:       "test-broker",
		Version:    "dev",
		InstanceID: "instance-1",
		Secret:     secret,
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
	require.NoError(t, err)
	return &testBroker{url: u, manager: manager, rHome: rHome}
}

func (b *testBroker) do(t *testing.T, method, escapedPath, user, password string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, protocol.HTTPURL(b.url, escapedPath), &buf)
	require.NoError(t, err)
	if user != "" || password != "" {
		req.SetBasicAuth(user, password)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (b *testBroker) create(t *testing.T, user, id string) protocol.SessionInfo {
	t.Helper()
	resp := b.do(t, http.MethodPut, protocol.SessionPath(id), user, "", protocol.SessionCreateRequest{
		InterpreterPath:         b.rHome,
		InterpreterArchitecture: "x64",
		IsInteractive:           true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info protocol.SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	return info
}

func decodeError(t *testing.T, resp *http.Response) *protocol.APIError {
	t.Helper()
	apiErr, ok := protocol.DecodeAPIError(resp.Body)
	require.True(t, ok, "response is not an API error")
	return apiErr
}

func TestServer_CreateListDelete(t *testing.T) {
	b := newTestBroker(t, "", true)
	records := rhosttest.UseMode(t, rhosttest.ModeEcho)

	info := b.create(t, "alice", "s1")
	assert.Equal(t, "s1", info.ID)
	assert.Equal(t, "alice", info.Owner)
	assert.Equal(t, "x64", info.Architecture)
	assert.Equal(t, protocol.StateConnected, info.State)
	assert.NotZero(t, info.HostPID)

	hosts := rhosttest.Records(t, records)
	require.Len(t, hosts, 1)
	assert.Equal(t, b.rHome, hosts[0].RHome)

	resp := b.do(t, http.MethodGet, protocol.PathSessions, "alice", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []protocol.SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, info.HostPID, list[0].HostPID)

	resp = b.do(t, http.MethodDelete, protocol.SessionPath("s1"), "alice", "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = b.do(t, http.MethodGet, protocol.SessionPath("s1"), "alice", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, protocol.ErrSessionNotFound, decodeError(t, resp).Code)
}

func TestServer_RecreateReplacesHost(t *testing.T) {
	b := newTestBroker(t, "", true)
	rhosttest.UseMode(t, rhosttest.ModeEcho)

	first := b.create(t, "alice", "s1")
	second := b.create(t, "alice", "s1")
	assert.NotEqual(t, first.HostPID, second.HostPID)

	sessions := b.manager.GetSessions("alice")
	require.Len(t, sessions, 1)
	assert.Equal(t, second.HostPID, sessions[0].Info().HostPID)
	assert.Eventually(t, func() bool { return !rhost.ProcessAlive(first.HostPID) },
		5*time.Second, 20*time.Millisecond, "evicted host still running")
}

func TestServer_BasicAuth(t *testing.T) {
	b := newTestBroker(t, "s3cret", true)

	resp := b.do(t, http.MethodGet, protocol.PathInfo, "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	resp = b.do(t, http.MethodGet, protocol.PathInfo, "alice", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = b.do(t, http.MethodGet, protocol.PathInfo, "alice", "s3cret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info protocol.BrokerInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "test-broker", info.Name)
	assert.Equal(t, protocol.ProtocolVersion, info.ProtocolVersion)
	assert.Equal(t, "instance-1", info.InstanceID)
	require.Len(t, info.Interpreters, 1)
	assert.Equal(t, "local", info.Interpreters[0].ID)
}

func TestServer_OwnersAreIsolated(t *testing.T) {
	b := newTestBroker(t, "", true)
	rhosttest.UseMode(t, rhosttest.ModeEcho)

	b.create(t, "alice", "s1")

	resp := b.do(t, http.MethodGet, protocol.PathSessions, "bob", "", nil)
	var list []protocol.SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Empty(t, list)

	resp = b.do(t, http.MethodDelete, protocol.SessionPath("s1"), "bob", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// No credentials at all means the anonymous owner.
	resp = b.do(t, http.MethodGet, protocol.PathSessions, "", "", nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Empty(t, list)
	_, ok := b.manager.GetSession("alice", "s1")
	assert.True(t, ok)
}

func TestServer_CreateErrors(t *testing.T) {
	t.Run("no interpreters", func(t *testing.T) {
		b := newTestBroker(t, "", false)
		resp := b.do(t, http.MethodPut, protocol.SessionPath("s1"), "alice", "", protocol.SessionCreateRequest{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, protocol.ErrNoRInterpreters, decodeError(t, resp).Code)
	})

	t.Run("unknown interpreter", func(t *testing.T) {
		b := newTestBroker(t, "", true)
		resp := b.do(t, http.MethodPut, protocol.SessionPath("s1"), "alice", "", protocol.SessionCreateRequest{InterpreterPath: "/nowhere/R"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		apiErr := decodeError(t, resp)
		assert.Equal(t, protocol.ErrInterpreterNotFound, apiErr.Code)
		assert.Equal(t, "/nowhere/R", apiErr.Message)
	})

	t.Run("host fails to start", func(t *testing.T) {
		b := newTestBroker(t, "", true)
		rhosttest.UseMode(t, rhosttest.ModeFail)
		resp := b.do(t, http.MethodPut, protocol.SessionPath("s1"), "alice", "", protocol.SessionCreateRequest{})
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, protocol.ErrUnableToStartRHost, decodeError(t, resp).Code)
		assert.Empty(t, b.manager.GetSessions(""))
	})

	t.Run("malformed body", func(t *testing.T) {
		b := newTestBroker(t, "", true)
		req, err := http.NewRequest(http.MethodPut, protocol.HTTPURL(b.url, protocol.SessionPath("s1")), bytes.NewBufferString("{"))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, protocol.ErrBadRequest, decodeError(t, resp).Code)
	})
}

func dialPipe(ctx context.Context, b *testBroker, user, id string) (*websocket.Conn, *http.Response, error) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(user, "")
	return websocket.Dial(ctx, protocol.WebSocketURL(b.url, protocol.PipePath(id)), &websocket.DialOptions{
		Subprotocols: []string{protocol.PipeSubprotocol},
		HTTPHeader:   http.Header{"Authorization": req.Header["Authorization"]},
	})
}

func TestServer_PipeEchoesThroughHost(t *testing.T) {
	b := newTestBroker(t, "", true)
	rhosttest.UseMode(t, rhosttest.ModeEcho)
	b.create(t, "alice", "s 1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := dialPipe(ctx, b, "alice", "s 1")
	require.NoError(t, err)
	assert.Equal(t, protocol.PipeSubprotocol, conn.Subprotocol())

	for _, msg := range []string{"hello", "", "world"} {
		require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte(msg)))
		typ, got, err := conn.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, websocket.MessageBinary, typ)
		assert.Equal(t, msg, string(got))
	}

	sess, ok := b.manager.GetSession("alice", "s 1")
	require.True(t, ok)
	assert.Equal(t, session.Runnable, sess.State())

	_, resp, err := dialPipe(ctx, b, "alice", "s 1")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Dropping the client ends the host.
	conn.Close(websocket.StatusNormalClosure, "")
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not terminated after the client disconnected")
	}
	_, ok = b.manager.GetSession("alice", "s 1")
	assert.False(t, ok)
}

func TestServer_PipeClosesWhenHostExits(t *testing.T) {
	b := newTestBroker(t, "", true)
	rhosttest.UseMode(t, rhosttest.ModeEcho)
	b.create(t, "alice", "s1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := dialPipe(ctx, b, "alice", "s1")
	require.NoError(t, err)
	defer conn.CloseNow()

	resp := b.do(t, http.MethodDelete, protocol.SessionPath("s1"), "alice", "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestServer_PipeUnknownSession(t *testing.T) {
	b := newTestBroker(t, "", true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := dialPipe(ctx, b, "alice", "missing")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_FailedUpgradeKeepsSession(t *testing.T) {
	b := newTestBroker(t, "", true)
	rhosttest.UseMode(t, rhosttest.ModeEcho)
	b.create(t, "alice", "s1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A plain GET is not an upgrade.
	resp := b.do(t, http.MethodGet, protocol.PipePath("s1"), "alice", "", nil)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// An upgrade without the pipe subprotocol is refused after the handshake.
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("alice", "")
	bare, _, err := websocket.Dial(ctx, protocol.WebSocketURL(b.url, protocol.PipePath("s1")), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": req.Header["Authorization"]},
	})
	require.NoError(t, err)
	_, _, err = bare.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	sess, ok := b.manager.GetSession("alice", "s1")
	require.True(t, ok)
	assert.Equal(t, session.Connected, sess.State())

	conn, _, err := dialPipe(ctx, b, "alice", "s1")
	require.NoError(t, err)
	defer conn.CloseNow()
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte("hello")))
	_, got, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}
