package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/victorarias/rbroker/internal/logging"
	"github.com/victorarias/rbroker/internal/protocol"
)

const (
	requestTimeout      = 30 * time.Second
	unauthorizedBackoff = 100 * time.Millisecond
)

// BrokerClient talks to a broker over HTTP and WebSocket
type BrokerClient struct {
	name      string
	info      BrokerConnectionInfo
	baseURL   *url.URL
	creds     Credentials
	http      *http.Client
	heartbeat time.Duration
	logf      logging.LogFunc
}

// NewBrokerClient returns a client for the broker at info.URI
func NewBrokerClient(name string, info BrokerConnectionInfo, creds Credentials, logf logging.LogFunc) (*BrokerClient, error) {
	u, err := url.Parse(info.URI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, disconnected(err, "invalid broker URL %q", info.URI)
	}
	return newBrokerClient(name, info, u, creds, logf), nil
}

func newBrokerClient(name string, info BrokerConnectionInfo, baseURL *url.URL, creds Credentials, logf logging.LogFunc) *BrokerClient {
	return &BrokerClient{
		name:      name,
		info:      info,
		baseURL:   baseURL,
		creds:     creds,
		http:      &http.Client{Timeout: requestTimeout},
		heartbeat: heartbeatTimeout,
		logf:      logging.OrNop(logf),
	}
}

func (c *BrokerClient) ConnectionInfo() BrokerConnectionInfo { return c.info }
func (c *BrokerClient) Name() string                         { return c.name }

// SetHeartbeat changes the liveness timeout of hosts connected afterwards.
// Zero turns the heartbeat off.
func (c *BrokerClient) SetHeartbeat(timeout time.Duration) {
	c.heartbeat = timeout
}

// BaseURL returns the broker's HTTP address
func (c *BrokerClient) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Connect creates a uniquely named broker session and attaches to its pipe
func (c *BrokerClient) Connect(ctx context.Context, info HostConnectionInfo) (*Host, error) {
	name := info.Name + "_" + uuid.NewString()

	args := ""
	if info.UseRHostCommandLineArguments {
		args = c.info.CommandLineArguments
	}
	// A remote broker picks its default interpreter; the connection's
	// interpreter path is the broker URL.
	c.logf("create broker session %q", name)
	err := c.send(ctx, http.MethodPut, protocol.SessionPath(name), protocol.SessionCreateRequest{
		InterpreterPath:         c.info.RHome(),
		InterpreterArchitecture: c.info.Architecture,
		CommandLineArguments:    args,
		IsInteractive:           info.IsInteractive,
	}, nil)
	if err != nil {
		return nil, c.connectError(err)
	}

	c.logf("connect to broker session %q", name)
	conn, err := c.dialPipe(ctx, name)
	if err != nil {
		return nil, err
	}
	return newHost(name, conn, info.Callbacks, c.heartbeat, c.logf), nil
}

func (c *BrokerClient) connectError(err error) error {
	var apiErr *protocol.APIError
	switch {
	case errors.As(err, &apiErr):
		return disconnected(apiErr, "%s", MessageForAPIError(apiErr, c.info.InterpreterPath))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrCredentialsExhausted):
		return disconnected(err, "broker %s rejected the credentials", c.name)
	default:
		return disconnected(err, "broker %s is not responding: %v", c.name, err)
	}
}

// dialPipe upgrades to the session pipe. A 401 invalidates the credentials
// and retries until ctx ends or the credentials give out.
func (c *BrokerClient) dialPipe(ctx context.Context, name string) (*websocket.Conn, error) {
	pipeURL := protocol.WebSocketURL(c.baseURL, protocol.PipePath(name))
	for {
		conn, status, err := c.dialOnce(ctx, pipeURL)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if status != http.StatusUnauthorized {
			if errors.Is(err, ErrCredentialsExhausted) {
				return nil, disconnected(err, "broker %s rejected the credentials", c.name)
			}
			return nil, disconnected(err, "error connecting to session %s on broker %s: %v", name, c.name, err)
		}
		if err := sleepCtx(ctx, unauthorizedBackoff); err != nil {
			return nil, err
		}
	}
}

func (c *BrokerClient) dialOnce(ctx context.Context, pipeURL string) (*websocket.Conn, int, error) {
	unlock, err := c.creds.Lock(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	username, password, err := c.creds.Get()
	if err != nil {
		return nil, 0, err
	}
	conn, resp, err := websocket.Dial(ctx, pipeURL, &websocket.DialOptions{
		Subprotocols: []string{protocol.PipeSubprotocol},
		HTTPHeader:   http.Header{"Authorization": {basicAuthHeader(username, password)}},
	})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			if status == http.StatusUnauthorized {
				c.creds.Invalidate()
			}
		}
		return nil, status, err
	}
	return conn, http.StatusSwitchingProtocols, nil
}

// TerminateSession stops a broker session and its host
func (c *BrokerClient) TerminateSession(ctx context.Context, name string) error {
	return c.send(ctx, http.MethodDelete, protocol.SessionPath(name), nil, nil)
}

// Sessions lists the caller's broker sessions
func (c *BrokerClient) Sessions(ctx context.Context) ([]protocol.SessionInfo, error) {
	var out []protocol.SessionInfo
	if err := c.send(ctx, http.MethodGet, protocol.PathSessions, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Info returns the broker's description
func (c *BrokerClient) Info(ctx context.Context) (protocol.BrokerInfo, error) {
	var out protocol.BrokerInfo
	err := c.send(ctx, http.MethodGet, protocol.PathInfo, nil, &out)
	return out, err
}

func (c *BrokerClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// send performs one JSON request. Broker failures come back as
// *protocol.APIError.
func (c *BrokerClient) send(ctx context.Context, method, escapedPath string, in, out interface{}) error {
	var body []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = data
	}

	for {
		resp, err := c.doOnce(ctx, method, escapedPath, body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			if err := sleepCtx(ctx, unauthorizedBackoff); err != nil {
				return err
			}
			continue
		}
		return decodeResponse(resp, out)
	}
}

func (c *BrokerClient) doOnce(ctx context.Context, method, escapedPath string, body []byte) (*http.Response, error) {
	unlock, err := c.creds.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	username, password, err := c.creds.Get()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, protocol.HTTPURL(c.baseURL, escapedPath), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(username, password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.creds.Invalidate()
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if apiErr, ok := protocol.DecodeAPIError(bytes.NewReader(data)); ok {
			return apiErr
		}
		return fmt.Errorf("broker returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode broker response: %w", err)
	}
	return nil
}

func basicAuthHeader(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
