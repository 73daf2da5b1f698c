package session

import (
	"context"
	"sort"
	"sync"

	"github.com/victorarias/rbroker/internal/logging"
	"github.com/victorarias/rbroker/internal/rhost"
)

// ManagerOptions configure every session a Manager creates.
type ManagerOptions struct {
	LogFolder     string
	LogPackets    bool
	LogHostOutput bool
	PipeCapacity  int
}

// Manager is the broker's session table: owner → id → live session.
type Manager struct {
	launcher Launcher
	opts     ManagerOptions
	logf     logging.LogFunc

	mu        sync.Mutex
	sessions  map[string]map[string]*Session
	observers []Observer

	kills sync.WaitGroup
}

func NewManager(launcher Launcher, opts ManagerOptions, logf logging.LogFunc) *Manager {
	return &Manager{
		launcher: launcher,
		opts:     opts,
		logf:     logging.OrNop(logf),
		sessions: make(map[string]map[string]*Session),
	}
}

// AddObserver registers obs for the transitions of every session.
func (m *Manager) AddObserver(obs Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// GetSessions returns a snapshot of owner's sessions ordered by id. An empty
// owner returns every session.
func (m *Manager) GetSessions(owner string) []*Session {
	m.mu.Lock()
	var out []*Session
	for o, byID := range m.sessions {
		if owner != "" && o != owner {
			continue
		}
		for _, s := range byID {
			out = append(out, s)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].owner != out[j].owner {
			return out[i].owner < out[j].owner
		}
		return out[i].id < out[j].id
	})
	return out
}

// GetSession finds a session by id. An empty owner matches any owner.
func (m *Manager) GetSession(owner, id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner != "" {
		s, ok := m.sessions[owner][id]
		return s, ok
	}
	for _, byID := range m.sessions {
		if s, ok := byID[id]; ok {
			return s, true
		}
	}
	return nil, false
}

type eviction struct {
	session *Session
	from    State
}

// CreateSession replaces any session owner has under id with a new one and
// starts its host. The old session is Terminated before the new one is
// visible; its host is killed in the background. The host start runs
// without the table lock.
func (m *Manager) CreateSession(owner, id string, interp rhost.Interpreter, commandLineArguments string, isInteractive bool) (*Session, error) {
	m.mu.Lock()
	byID := m.sessions[owner]
	if byID == nil {
		byID = make(map[string]*Session)
		m.sessions[owner] = byID
	}

	var evicted []eviction
	if old, ok := byID[id]; ok {
		delete(byID, id)
		if from, changed := old.terminateSilently(); changed {
			evicted = append(evicted, eviction{session: old, from: from})
		}
		m.killInBackground(old)
	}

	s := New(Options{
		Owner:                owner,
		ID:                   id,
		Interpreter:          interp,
		CommandLineArguments: commandLineArguments,
		IsInteractive:        isInteractive,
		PipeCapacity:         m.opts.PipeCapacity,
		LogPackets:           m.opts.LogPackets,
	}, m.launcher, m.logf, m.onStateChanged)
	byID[id] = s
	m.mu.Unlock()

	for _, ev := range evicted {
		ev.session.notify(ev.from, Terminated)
	}
	m.forward(s, "", Uninitialized)

	verbosity := VerbosityFor(m.opts.LogPackets, m.opts.LogHostOutput)
	if err := s.StartHost(m.opts.LogFolder, verbosity); err != nil {
		m.logf("session %s/%s: host failed to start: %v", owner, id, err)
		s.SetState(Terminated)
		return nil, err
	}
	return s, nil
}

func (m *Manager) killInBackground(s *Session) {
	m.kills.Add(1)
	go func() {
		defer m.kills.Done()
		if err := s.KillHost(); err != nil {
			m.logf("session %s/%s: kill evicted host: %v", s.owner, s.id, err)
		}
	}()
}

// TerminateSession kills the host of owner's session id and drops it from the
// table.
func (m *Manager) TerminateSession(owner, id string) error {
	s, ok := m.GetSession(owner, id)
	if !ok {
		return ErrSessionNotFound
	}
	err := s.KillHost()
	s.SetState(Terminated)
	return err
}

func (m *Manager) onStateChanged(s *Session, from, to State) {
	if to == Terminated {
		m.mu.Lock()
		if byID := m.sessions[s.owner]; byID != nil {
			if byID[s.id] == s {
				delete(byID, s.id)
			}
			if len(byID) == 0 {
				delete(m.sessions, s.owner)
			}
		}
		m.mu.Unlock()
	}
	m.forward(s, from, to)
}

func (m *Manager) forward(s *Session, from, to State) {
	m.mu.Lock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()
	for _, obs := range observers {
		obs(s, from, to)
	}
}

// Shutdown kills every host and waits for background kills to finish or ctx
// to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, s := range m.GetSessions("") {
		if err := s.KillHost(); err != nil {
			m.logf("session %s/%s: kill on shutdown: %v", s.owner, s.id, err)
		}
		s.SetState(Terminated)
	}

	done := make(chan struct{})
	go func() {
		m.kills.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
