// Package provider owns the client-side R sessions of one process and the
// broker they run on, and moves every session to a new broker as one
// transaction.
package provider

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/victorarias/rbroker/internal/client"
	"github.com/victorarias/rbroker/internal/logging"
	"github.com/victorarias/rbroker/internal/rhost"
	"github.com/victorarias/rbroker/internal/taskutil"
)

var ErrProviderClosed = errors.New("session provider is closed")

// EventKind names a provider event.
type EventKind int

const (
	// BrokerChanging fires under the switch lock before sessions move.
	BrokerChanging EventKind = iota
	BrokerChanged
	BrokerChangeFailed
	// BrokerStateChanged fires when IsConnected flips; see Event.Connected.
	BrokerStateChanged
)

func (k EventKind) String() string {
	switch k {
	case BrokerChanging:
		return "broker_changing"
	case BrokerChanged:
		return "broker_changed"
	case BrokerChangeFailed:
		return "broker_change_failed"
	case BrokerStateChanged:
		return "broker_state_changed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind      EventKind
	Connected bool
}

// Observer receives provider events on the goroutine that caused them. It
// must not call TrySwitchBroker, RemoveBroker or Close.
type Observer func(Event)

// Interpreter is an R installation a broker can be started for.
type Interpreter struct {
	Path         string
	Architecture string
	Version      string
}

// InterpreterResolver picks the interpreter used when TrySwitchBroker is
// given no connection info.
type InterpreterResolver interface {
	DefaultInterpreter() (Interpreter, bool)
}

// BrokerFactory builds the client for a broker connection.
type BrokerFactory func(name string, info client.BrokerConnectionInfo) (client.Broker, error)

type Options struct {
	Resolver  InterpreterResolver
	NewBroker BrokerFactory
}

// Provider is the table of client sessions plus the broker they share.
//
// The broker slot is swapped under the writer lock and read without it, so
// a session started during a switch may land on either broker. It is then
// moved or stopped by the switch like every other session.
type Provider struct {
	proxy     *client.Proxy
	lock      *taskutil.RWLock
	resolver  InterpreterResolver
	newBroker BrokerFactory
	logf      logging.LogFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	connected atomic.Bool

	obsMu     sync.Mutex
	observers []Observer
}

func New(opts Options, logf logging.LogFunc) *Provider {
	logf = logging.OrNop(logf)
	newBroker := opts.NewBroker
	if newBroker == nil {
		newBroker = DefaultBrokerFactory(client.LocalOptions{}, nil, logf)
	}
	return &Provider{
		proxy:     client.NewProxy(),
		lock:      taskutil.NewRWLock(),
		resolver:  opts.Resolver,
		newBroker: newBroker,
		logf:      logf,
		sessions:  make(map[string]*Session),
	}
}

func (p *Provider) AddObserver(obs Observer) {
	p.obsMu.Lock()
	p.observers = append(p.observers, obs)
	p.obsMu.Unlock()
}

func (p *Provider) emit(ev Event) {
	p.obsMu.Lock()
	observers := append([]Observer(nil), p.observers...)
	p.obsMu.Unlock()
	for _, obs := range observers {
		obs(ev)
	}
}

// Broker is the current broker. Calls go to whichever broker is installed
// when they are made.
func (p *Provider) Broker() client.Broker {
	return p.proxy
}

func (p *Provider) HasBroker() bool {
	return p.proxy.HasBroker()
}

func (p *Provider) IsConnected() bool {
	return p.connected.Load()
}

func (p *Provider) setConnected(v bool) {
	if p.connected.Swap(v) != v {
		p.emit(Event{Kind: BrokerStateChanged, Connected: v})
	}
}

// GetOrCreate returns the session with id, creating it on first use. After
// Close the returned session cannot start a host.
func (p *Provider) GetOrCreate(id string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[id]; ok {
		return s
	}
	s := newSession(id, p)
	if p.closed {
		s.closed = true
		return s
	}
	p.sessions[id] = s
	return s
}

// Sessions returns the live sessions ordered by id.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (p *Provider) removeSession(s *Session) {
	p.mu.Lock()
	if p.sessions[s.id] == s {
		delete(p.sessions, s.id)
	}
	p.mu.Unlock()
}

func (p *Provider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// TrySwitchBroker moves every session to the broker described by info. An
// invalid info selects the resolver's default interpreter. It returns false
// without an error when no interpreter resolves, when the switch is
// cancelled, when the broker cannot be reached or when a binary is missing;
// the previous broker stays installed in each case.
func (p *Provider) TrySwitchBroker(ctx context.Context, name string, info client.BrokerConnectionInfo) (bool, error) {
	if p.isClosed() {
		return false, ErrProviderClosed
	}
	if !info.IsValid() {
		info = p.defaultConnectionInfo(info.Name)
		if !info.IsValid() {
			p.logf("switch broker %s: no R interpreter available", name)
			return false, nil
		}
	}
	candidate, err := p.newBroker(name, info)
	if err != nil {
		return false, err
	}

	unlock, err := p.lock.Lock(ctx)
	if err != nil {
		candidate.Close()
		return false, nil
	}
	defer unlock()

	if info.Equal(p.proxy.ConnectionInfo()) {
		candidate.Close()
		if p.IsConnected() && p.hostsAlive() {
			return true, nil
		}
		if err := p.reconnect(ctx); err != nil {
			p.logf("reconnect to broker %s failed: %v", name, err)
			return false, nil
		}
		p.setConnected(true)
		return true, nil
	}

	old := p.proxy.Set(candidate)
	p.emit(Event{Kind: BrokerChanging})
	if err := p.switchSessions(ctx); err != nil {
		p.proxy.Set(old)
		candidate.Close()
		p.emit(Event{Kind: BrokerChangeFailed})
		p.logf("switch to broker %s failed: %v", name, err)
		var missing *rhost.BinaryMissingError
		if taskutil.IsCancellation(err) || errors.As(err, &missing) {
			return false, nil
		}
		return false, err
	}

	if err := old.Close(); err != nil {
		p.logf("close previous broker %s: %v", old.Name(), err)
	}
	p.setConnected(true)
	p.emit(Event{Kind: BrokerChanged})
	return true, nil
}

func (p *Provider) defaultConnectionInfo(name string) client.BrokerConnectionInfo {
	if p.resolver == nil {
		return client.BrokerConnectionInfo{}
	}
	interp, ok := p.resolver.DefaultInterpreter()
	if !ok {
		return client.BrokerConnectionInfo{}
	}
	return client.NewBrokerConnectionInfo(name, interp.Path, interp.Architecture, interp.Version, "")
}

// hostsAlive reports whether every session that has been started still has
// its host.
func (p *Provider) hostsAlive() bool {
	for _, s := range p.Sessions() {
		if s.wasStarted() && !s.hostAlive() {
			return false
		}
	}
	return true
}

func (p *Provider) reconnect(ctx context.Context) error {
	return taskutil.WhenAllCancelOnFailure(ctx, p.Sessions(), func(ctx context.Context, s *Session) error {
		return s.ignoreIfClosed(ctx, s.Reconnect(ctx))
	})
}

// switchSessions moves the sessions that can switch to the installed
// broker. The rest are stopped once every move has connected.
func (p *Provider) switchSessions(ctx context.Context) error {
	var (
		transactions []*SwitchTransaction
		toStop       []*Session
	)
	for _, s := range p.Sessions() {
		if tx, ok := s.StartSwitchingBroker(); ok {
			transactions = append(transactions, tx)
		} else {
			toStop = append(toStop, s)
		}
	}
	defer func() {
		for _, tx := range transactions {
			tx.Close()
		}
	}()

	if len(transactions) == 0 {
		return p.stopSessions(ctx, toStop, true)
	}

	err := taskutil.WhenAllCancelOnFailure(ctx, transactions, func(ctx context.Context, tx *SwitchTransaction) error {
		return tx.session.ignoreIfClosed(ctx, tx.ConnectToNewBroker(ctx))
	})
	if err != nil {
		return err
	}

	var completeErr, stopErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		completeErr = taskutil.WhenAllCancelOnFailure(ctx, transactions, func(ctx context.Context, tx *SwitchTransaction) error {
			return tx.session.ignoreIfClosed(ctx, tx.CompleteSwitchingBroker(ctx))
		})
	}()
	go func() {
		defer wg.Done()
		stopErr = p.stopSessions(ctx, toStop, true)
	}()
	wg.Wait()

	// A cancelled completion leaves the new hosts in place.
	if completeErr != nil && !taskutil.IsCancellation(completeErr) {
		return completeErr
	}
	return stopErr
}

func (p *Provider) stopSessions(ctx context.Context, sessions []*Session, wait bool) error {
	return taskutil.WhenAllCancelOnFailure(ctx, sessions, func(ctx context.Context, s *Session) error {
		return s.ignoreIfClosed(ctx, s.StopHost(ctx, wait))
	})
}

// RemoveBroker stops every session without waiting for the hosts and
// installs the null broker.
func (p *Provider) RemoveBroker(ctx context.Context) error {
	unlock, err := p.lock.Lock(ctx)
	if err != nil {
		return err
	}
	p.emit(Event{Kind: BrokerChanging})
	stopErr := p.stopSessions(ctx, p.Sessions(), false)
	old := p.proxy.Set(nil)
	closeErr := old.Close()
	p.setConnected(false)
	unlock()

	p.emit(Event{Kind: BrokerChanged})
	return errors.Join(stopErr, closeErr)
}

// Close stops every session and closes the broker. It is idempotent.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	sessions := p.Sessions()
	if err := p.stopSessions(context.Background(), sessions, false); err != nil {
		p.logf("stop sessions: %v", err)
	}
	for _, s := range sessions {
		s.Close()
	}
	p.setConnected(false)
	return p.proxy.Close()
}
