package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/victorarias/rbroker/internal/client"
	"github.com/victorarias/rbroker/internal/taskutil"
)

var (
	ErrSessionClosed = errors.New("session is closed")
	ErrHostRunning   = errors.New("session host is already running")
)

// Session is one client-side R session. It has at most one host at a time,
// on whichever broker was current when the host was started.
type Session struct {
	id string
	p  *Provider

	// ops serializes host operations on this session; only Lock is used.
	ops *taskutil.RWLock

	mu         sync.Mutex
	host       *client.Host
	hostBroker client.Broker
	info       *client.HostConnectionInfo
	callbacks  client.Callbacks
	switching  bool
	closed     bool
}

func newSession(id string, p *Provider) *Session {
	return &Session{id: id, p: p, ops: taskutil.NewRWLock()}
}

func (s *Session) ID() string {
	return s.id
}

// Host returns the current host, nil before StartHost or after StopHost.
func (s *Session) Host() *client.Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// IsHostRunning reports whether the session has a connected host.
func (s *Session) IsHostRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostAliveLocked()
}

func (s *Session) hostAlive() bool {
	return s.IsHostRunning()
}

func (s *Session) hostAliveLocked() bool {
	if s.host == nil {
		return false
	}
	select {
	case <-s.host.Done():
		return false
	default:
		return true
	}
}

func (s *Session) wasStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info != nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ignoreIfClosed turns a failure of a session closed meanwhile into the
// caller's own cancellation, if any.
func (s *Session) ignoreIfClosed(ctx context.Context, err error) error {
	if err != nil && s.isClosed() {
		return ctx.Err()
	}
	return err
}

// StartHost connects a new host on the current broker. It holds the
// provider's reader lock, so it waits for a running broker switch.
func (s *Session) StartHost(ctx context.Context, info client.HostConnectionInfo) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	unlockRead, err := s.p.lock.RLock(ctx)
	if err != nil {
		return err
	}
	defer unlockRead()
	unlock, err := s.ops.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.hostAliveLocked():
		s.mu.Unlock()
		return ErrHostRunning
	}
	s.mu.Unlock()

	if info.Name == "" {
		info.Name = s.id
	}
	b := s.p.proxy.Current()
	h, err := s.connect(ctx, b, info)
	if err != nil {
		return err
	}
	if !s.install(h, b, info) {
		h.Close()
		return ErrSessionClosed
	}
	s.p.setConnected(true)
	return nil
}

// connect attaches a host whose disconnects are routed through the session.
func (s *Session) connect(ctx context.Context, b client.Broker, info client.HostConnectionInfo) (*client.Host, error) {
	info.Callbacks = hostCallbacks{s}
	return b.Connect(ctx, info)
}

// install makes h the session's host and returns the host it replaced.
// It reports false when the session was closed meanwhile.
func (s *Session) install(h *client.Host, b client.Broker, info client.HostConnectionInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if info.Callbacks != nil {
		s.callbacks = info.Callbacks
	}
	info.Callbacks = nil
	s.host = h
	s.hostBroker = b
	s.info = &info
	return true
}

// StopHost detaches the host. With waitForShutdown the broker session is
// deleted first, so the host is gone when StopHost returns; otherwise the
// broker stops the host once it sees the client leave.
func (s *Session) StopHost(ctx context.Context, waitForShutdown bool) error {
	unlock, err := s.ops.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	h, b := s.host, s.hostBroker
	s.host, s.hostBroker, s.info = nil, nil, nil
	s.mu.Unlock()

	return s.p.stopHost(ctx, h, b, waitForShutdown)
}

func (p *Provider) stopHost(ctx context.Context, h *client.Host, b client.Broker, wait bool) error {
	if h == nil {
		return nil
	}
	if wait && b != nil {
		if err := b.TerminateSession(ctx, h.Name()); err != nil {
			p.logf("terminate broker session %s: %v", h.Name(), err)
		}
	}
	h.Close()
	if wait {
		return ctx.Err()
	}
	return nil
}

// Reconnect starts a new host on the current broker when the session was
// started and its host is gone. The new host is a new broker session.
func (s *Session) Reconnect(ctx context.Context) error {
	unlock, err := s.ops.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.info == nil || s.hostAliveLocked() {
		s.mu.Unlock()
		return nil
	}
	info := *s.info
	info.Callbacks = s.callbacks
	dead := s.host
	s.mu.Unlock()

	if dead != nil {
		dead.Close()
	}
	b := s.p.proxy.Current()
	h, err := s.connect(ctx, b, info)
	if err != nil {
		return err
	}
	if !s.install(h, b, info) {
		h.Close()
		return ErrSessionClosed
	}
	return nil
}

// StartSwitchingBroker returns a transaction moving the session's host to
// the current broker. Sessions that never started a host, are closed or are
// already switching cannot switch and report false.
func (s *Session) StartSwitchingBroker() (*SwitchTransaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.info == nil || s.switching {
		return nil, false
	}
	s.switching = true
	return &SwitchTransaction{session: s}, true
}

// Close stops the host without waiting and removes the session from its
// provider. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	h := s.host
	s.host, s.hostBroker = nil, nil
	s.mu.Unlock()

	if h != nil {
		h.Close()
	}
	s.p.removeSession(s)
	return nil
}

type hostCallbacks struct {
	s *Session
}

// Disconnected ignores hosts the session has already replaced.
func (c hostCallbacks) Disconnected(h *client.Host, err error) {
	s := c.s
	s.mu.Lock()
	current := s.host == h
	forward := s.callbacks
	s.mu.Unlock()
	if !current {
		return
	}
	s.p.logf("session %s: host %s disconnected: %v", s.id, h.Name(), err)
	s.p.setConnected(false)
	if forward != nil {
		forward.Disconnected(h, err)
	}
}

// SwitchTransaction moves one session to a new broker. ConnectToNewBroker
// starts the new host next to the old one; CompleteSwitchingBroker makes it
// the session's host and stops the old one. Close always runs last and
// drops a new host that was never completed.
type SwitchTransaction struct {
	session *Session

	unlock    func()
	broker    client.Broker
	host      *client.Host
	completed bool
	closeOnce sync.Once
}

// ConnectToNewBroker holds the session's operation lock until Close.
func (tx *SwitchTransaction) ConnectToNewBroker(ctx context.Context) error {
	s := tx.session
	if tx.unlock == nil {
		unlock, err := s.ops.Lock(ctx)
		if err != nil {
			return err
		}
		tx.unlock = unlock
	}

	s.mu.Lock()
	if s.closed || s.info == nil {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	info := *s.info
	info.Callbacks = s.callbacks
	s.mu.Unlock()

	b := s.p.proxy.Current()
	h, err := s.connect(ctx, b, info)
	if err != nil {
		return err
	}
	tx.broker = b
	tx.host = h
	return nil
}

func (tx *SwitchTransaction) CompleteSwitchingBroker(ctx context.Context) error {
	s := tx.session
	if tx.host == nil {
		return errors.New("switch transaction has no new host")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	old, oldBroker := s.host, s.hostBroker
	s.host, s.hostBroker = tx.host, tx.broker
	tx.completed = true
	s.mu.Unlock()

	return s.p.stopHost(ctx, old, oldBroker, true)
}

func (tx *SwitchTransaction) Close() {
	tx.closeOnce.Do(func() {
		if !tx.completed && tx.host != nil {
			tx.host.Close()
		}
		s := tx.session
		s.mu.Lock()
		s.switching = false
		s.mu.Unlock()
		if tx.unlock != nil {
			tx.unlock()
		}
	})
}
