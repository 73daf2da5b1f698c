package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/victorarias/rbroker/internal/config"
	"github.com/victorarias/rbroker/internal/logging"
	"github.com/victorarias/rbroker/internal/protocol"
	"github.com/victorarias/rbroker/internal/rhost"
	"github.com/victorarias/rbroker/internal/taskutil"
)

const (
	localInterpreterID = "local"
	brokerStartCheck   = 250 * time.Millisecond
	announceSentinel   = '^'
)

// LocalOptions configure the broker process a LocalBrokerClient starts
type LocalOptions struct {
	Locator       rhost.Locator
	LogFolder     string
	LogHostOutput bool
	LogPackets    bool
	// JournalPath overrides the broker's session journal location.
	JournalPath string
}

// LocalBrokerClient starts a broker on this machine for one R installation
// and talks to it like a remote one.
type LocalBrokerClient struct {
	name  string
	info  BrokerConnectionInfo
	opts  LocalOptions
	creds *LocalCredentials
	logf  logging.LogFunc

	connectLock *taskutil.BinaryLock

	mu      sync.Mutex
	remote  *BrokerClient
	process *os.Process
	closed  bool
}

func NewLocalBrokerClient(name string, info BrokerConnectionInfo, opts LocalOptions, logf logging.LogFunc) *LocalBrokerClient {
	return &LocalBrokerClient{
		name:        name,
		info:        info,
		opts:        opts,
		creds:       NewLocalCredentials(),
		logf:        logging.OrNop(logf),
		connectLock: taskutil.NewBinaryLock(),
	}
}

func (c *LocalBrokerClient) ConnectionInfo() BrokerConnectionInfo { return c.info }
func (c *LocalBrokerClient) Name() string                         { return c.name }

// Connect starts the broker if it is not running, then connects like
// BrokerClient.Connect.
func (c *LocalBrokerClient) Connect(ctx context.Context, info HostConnectionInfo) (*Host, error) {
	remote, err := c.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	return remote.Connect(ctx, info)
}

func (c *LocalBrokerClient) TerminateSession(ctx context.Context, name string) error {
	remote := c.current()
	if remote == nil {
		return nil
	}
	return remote.TerminateSession(ctx, name)
}

func (c *LocalBrokerClient) Sessions(ctx context.Context) ([]protocol.SessionInfo, error) {
	remote := c.current()
	if remote == nil {
		return nil, nil
	}
	return remote.Sessions(ctx)
}

// Close kills the broker process, which takes its hosts down with it.
func (c *LocalBrokerClient) Close() error {
	c.mu.Lock()
	c.closed = true
	proc := c.process
	remote := c.remote
	c.process = nil
	c.remote = nil
	c.mu.Unlock()

	if remote != nil {
		remote.Close()
	}
	if proc != nil {
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill broker pid=%d: %w", proc.Pid, err)
		}
	}
	return nil
}

func (c *LocalBrokerClient) current() *BrokerClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// ensureStarted lets one caller start the broker; callers queued behind it
// reuse the result. A failed start leaves the lock unset for the next caller.
func (c *LocalBrokerClient) ensureStarted(ctx context.Context) (*BrokerClient, error) {
	token, err := c.connectLock.Wait(ctx)
	if err != nil {
		return nil, err
	}
	defer token.Release()

	if token.IsSet() {
		if remote := c.current(); remote != nil {
			return remote, nil
		}
	}

	remote, err := c.startBroker(ctx)
	if err != nil {
		return nil, err
	}
	token.Set()
	return remote, nil
}

func (c *LocalBrokerClient) startBroker(ctx context.Context) (*BrokerClient, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, disconnected(nil, "broker %s is closed", c.name)
	}

	locator := c.opts.Locator
	if _, err := locator.ResolveHost(c.info.Architecture); err != nil {
		return nil, err
	}
	brokerPath, err := locator.BrokerExecutablePath()
	if err != nil {
		return nil, err
	}

	socketPath := filepath.Join(os.TempDir(), "rbroker-"+strings.ReplaceAll(uuid.NewString(), "-", "")[:12]+".sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, disconnected(err, "unable to create broker startup channel: %v", err)
	}
	defer os.Remove(socketPath)
	defer listener.Close()

	cmd := exec.Command(brokerPath, c.brokerArgs(socketPath)...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, disconnected(err, "unable to start broker %s: %v", brokerPath, err)
	}
	c.logf("broker %s started: pid=%d path=%s", c.name, cmd.Process.Pid, brokerPath)

	exited := make(chan struct{})
	go c.waitBroker(cmd, exited)

	success := false
	defer func() {
		if !success {
			cmd.Process.Kill()
		}
	}()

	select {
	case <-exited:
		if code := cmd.ProcessState.ExitCode(); code != 0 {
			return nil, disconnected(nil, "unable to start broker %s: exit code %d", brokerPath, code)
		}
	case <-time.After(brokerStartCheck):
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	baseURL, err := readAnnouncement(hctx, listener, exited)
	if err != nil {
		return nil, err
	}

	remote := newBrokerClient(c.name, c.info, baseURL, c.creds, c.logf)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, disconnected(nil, "broker %s is closed", c.name)
	}
	c.remote = remote
	c.process = cmd.Process
	c.mu.Unlock()
	success = true
	c.logf("broker %s listening on %s", c.name, baseURL)
	return remote, nil
}

func (c *LocalBrokerClient) brokerArgs(socketPath string) []string {
	args := []string{
		"serve",
		"--" + config.KeyURLs, "http://127.0.0.1:0",
		"--" + config.KeyStartupName, c.name,
		"--" + config.KeyURLsPipe, socketPath,
		"--" + config.KeyParentPID, strconv.Itoa(os.Getpid()),
		"--" + config.KeySecret, c.creds.Password(),
		"--" + config.KeyLogHostOutput + "=" + strconv.FormatBool(c.opts.LogHostOutput),
		"--" + config.KeyLogPackets + "=" + strconv.FormatBool(c.opts.LogPackets),
		"--" + config.KeyInterpreters, localInterpreterID + "=" + c.info.RHome(),
	}
	if c.opts.Locator.BaseDir != "" {
		args = append(args, "--"+config.KeyHostBaseDir, c.opts.Locator.BaseDir)
	}
	if c.opts.LogFolder != "" {
		args = append(args, "--"+config.KeyLogFolder, strings.TrimRight(c.opts.LogFolder, `/\`))
	}
	if c.opts.JournalPath != "" {
		args = append(args, "--"+config.KeyJournalPath, c.opts.JournalPath)
	}
	return args
}

// waitBroker reaps the broker and, when it was the current one, forgets it
// so the next Connect starts a new broker.
func (c *LocalBrokerClient) waitBroker(cmd *exec.Cmd, exited chan<- struct{}) {
	err := cmd.Wait()
	close(exited)

	c.mu.Lock()
	current := c.process == cmd.Process
	if current {
		c.process = nil
		c.remote = nil
	}
	c.mu.Unlock()

	if current {
		c.logf("broker %s exited: %v", c.name, err)
		c.connectLock.Reset()
	}
}

// readAnnouncement waits for the broker to connect to the startup channel
// and write its URL list.
func readAnnouncement(ctx context.Context, l net.Listener, exited <-chan struct{}) (*url.URL, error) {
	type result struct {
		data []byte
		err  error
	}
	got := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			got <- result{err: err}
			return
		}
		defer conn.Close()
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetReadDeadline(deadline)
		}
		data, err := readUntilSentinel(conn)
		got <- result{data: data, err: err}
	}()

	select {
	case r := <-got:
		if r.err != nil {
			return nil, disconnected(r.err, "error reading the broker endpoint: %v", r.err)
		}
		return parseAnnouncement(r.data)
	case <-exited:
		l.Close()
		return nil, disconnected(nil, "broker exited before reporting its endpoint")
	case <-ctx.Done():
		l.Close()
		return nil, disconnected(ctx.Err(), "timed out waiting for the broker to report its endpoint")
	}
}

func readUntilSentinel(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		buf.Write(chunk[:n])
		if n > 0 && chunk[n-1] == announceSentinel {
			return buf.Bytes(), nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) && buf.Len() > 0 {
				return buf.Bytes(), nil
			}
			return nil, err
		}
	}
}

// parseAnnouncement accepts a JSON array of exactly one URL, optionally
// followed by the sentinel.
func parseAnnouncement(data []byte) (*url.URL, error) {
	raw := bytes.TrimSuffix(bytes.TrimSpace(data), []byte{announceSentinel})
	var urls []string
	if err := json.Unmarshal(raw, &urls); err != nil {
		return nil, disconnected(err, "invalid JSON for endpoint URIs received from broker (%v): %s", err, raw)
	}
	if len(urls) != 1 {
		return nil, disconnected(nil, "unexpected number of endpoint URIs received from broker: %s", raw)
	}
	u, err := url.Parse(urls[0])
	if err != nil || u.Host == "" {
		return nil, disconnected(err, "invalid endpoint URI received from broker: %s", urls[0])
	}
	return u, nil
}
