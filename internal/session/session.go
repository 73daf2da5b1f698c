package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/victorarias/rbroker/internal/logging"
	"github.com/victorarias/rbroker/internal/msgpipe"
	"github.com/victorarias/rbroker/internal/protocol"
	"github.com/victorarias/rbroker/internal/rhost"
)

type State = protocol.SessionState

const (
	Uninitialized = protocol.StateUninitialized
	Connected     = protocol.StateConnected
	Runnable      = protocol.StateRunnable
	Busy          = protocol.StateBusy
	Terminated    = protocol.StateTerminated
)

var (
	ErrHostAlreadyRunning     = errors.New("host process is already running")
	ErrClientAlreadyConnected = errors.New("session already has a client connected")
	ErrSessionTerminated      = errors.New("session is terminated")
	ErrSessionNotFound        = errors.New("session not found")
)

// Observer receives state transitions. It is never called with a session
// lock held.
type Observer func(s *Session, from, to State)

// Launcher starts host processes.
type Launcher interface {
	StartHost(interp rhost.Interpreter, args []string) (*rhost.Process, error)
}

// Options identify a session.
type Options struct {
	Owner                string
	ID                   string
	Interpreter          rhost.Interpreter
	CommandLineArguments string
	IsInteractive        bool
	PipeCapacity         int
	LogPackets           bool
}

// Session is one host process bridged to one message pipe.
type Session struct {
	owner       string
	id          string
	interp      rhost.Interpreter
	args        string
	interactive bool
	launcher    Launcher
	logf        logging.LogFunc
	pipe        *msgpipe.Pipe
	createdAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	process   *rhost.Process
	started   bool
	hostEnd   *msgpipe.End
	clientEnd *msgpipe.End
	observers []Observer
}

func New(opts Options, launcher Launcher, logf logging.LogFunc, observers ...Observer) *Session {
	logf = logging.OrNop(logf)
	ctx, cancel := context.WithCancel(context.Background())
	pipe := msgpipe.New(opts.PipeCapacity, logf)
	pipe.SetLogPackets(opts.LogPackets)
	return &Session{
		owner:       opts.Owner,
		id:          opts.ID,
		interp:      opts.Interpreter,
		args:        opts.CommandLineArguments,
		interactive: opts.IsInteractive,
		launcher:    launcher,
		logf:        logf,
		pipe:        pipe,
		createdAt:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		state:       Uninitialized,
		observers:   append([]Observer(nil), observers...),
	}
}

func (s *Session) ID() string    { return s.id }
func (s *Session) Owner() string { return s.owner }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session is terminated.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// AddObserver registers obs for later transitions.
func (s *Session) AddObserver(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// SetState moves the session to state and notifies observers. Terminated is
// absorbing: once there, every further call is a no-op without events.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	old := s.state
	if old == Terminated || old == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	if state == Terminated {
		s.cancel()
	}
	for _, obs := range observers {
		obs(s, old, state)
	}
}

// terminateSilently marks the session Terminated without notifying. The
// caller must deliver the returned transition with notify once it holds no
// locks.
func (s *Session) terminateSilently() (State, bool) {
	s.mu.Lock()
	old := s.state
	if old == Terminated {
		s.mu.Unlock()
		return old, false
	}
	s.state = Terminated
	s.mu.Unlock()
	s.cancel()
	return old, true
}

func (s *Session) notify(from, to State) {
	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, obs := range observers {
		obs(s, from, to)
	}
}

// StartHost launches the host process and starts the stdio pumps. It runs at
// most once per Session.
func (s *Session) StartHost(logFolder string, verbosity LogVerbosity) error {
	s.mu.Lock()
	if s.started || s.hostEnd != nil {
		s.mu.Unlock()
		return ErrHostAlreadyRunning
	}
	if s.state == Terminated {
		s.mu.Unlock()
		return ErrSessionTerminated
	}
	s.started = true
	s.mu.Unlock()

	args, err := hostArgs{
		interactive: s.interactive,
		rDir:        rhost.BinDir(runtime.GOOS, s.interp.InstallPath),
		name:        s.id,
		logFolder:   logFolder,
		verbosity:   verbosity,
		extra:       s.args,
	}.build()
	if err != nil {
		return err
	}

	s.logf("session %s: starting host %v", s.id, args)
	proc, err := s.launcher.StartHost(s.interp, args)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == Terminated {
		// Evicted while the host was starting.
		s.mu.Unlock()
		if err := proc.Kill(); err != nil && !rhost.IsAlreadyExited(err) {
			s.logf("session %s: kill host started after termination: %v", s.id, err)
		}
		return ErrSessionTerminated
	}
	s.process = proc
	hostEnd, err := s.pipe.ConnectHost(proc.PID())
	if err != nil {
		s.mu.Unlock()
		proc.Kill()
		return fmt.Errorf("connect host end: %w", err)
	}
	s.hostEnd = hostEnd
	s.mu.Unlock()

	go s.watchExit(proc, hostEnd)
	s.logf("session %s: host started pid=%d", s.id, proc.PID())

	s.SetState(Connected)
	go s.clientToHost(proc.Stdin(), hostEnd)
	go s.hostToClient(proc.Stdout(), hostEnd)
	return nil
}

func (s *Session) watchExit(proc *rhost.Process, hostEnd *msgpipe.End) {
	<-proc.Exited()
	hostEnd.Close()
	s.mu.Lock()
	if s.hostEnd == hostEnd {
		s.hostEnd = nil
	}
	s.mu.Unlock()
	s.SetState(Terminated)
	if code := proc.ExitCode(); code != 0 {
		s.logf("session %s: host exited with code %d", s.id, code)
	}
}

// clientToHost frames messages from the client and writes them to the host's
// stdin.
func (s *Session) clientToHost(stdin io.WriteCloser, end *msgpipe.End) {
	defer stdin.Close()
	for {
		msg, err := end.Read(s.ctx)
		if err != nil {
			if s.isShutdown(err) {
				return
			}
			s.logf("session %s: client to host connection failed: %v", s.id, err)
			s.killAfterPumpFailure()
			return
		}
		if err := msgpipe.WriteFrame(stdin, msg); err != nil {
			s.logf("session %s: client to host connection failed: %v", s.id, err)
			s.killAfterPumpFailure()
			return
		}
	}
}

// hostToClient reads frames from the host's stdout and forwards them to the
// client. A stream ending mid-frame ends the loop like a clean EOF.
func (s *Session) hostToClient(stdout io.ReadCloser, end *msgpipe.End) {
	defer stdout.Close()
	for {
		payload, err := msgpipe.ReadFrame(stdout)
		if err != nil {
			if msgpipe.IsEndOfStream(err) {
				return
			}
			s.logf("session %s: host to client connection failed: %v", s.id, err)
			s.killAfterPumpFailure()
			return
		}
		if err := end.Write(s.ctx, payload); err != nil {
			if s.isShutdown(err) {
				return
			}
			s.logf("session %s: host to client connection failed: %v", s.id, err)
			s.killAfterPumpFailure()
			return
		}
	}
}

func (s *Session) isShutdown(err error) bool {
	return errors.Is(err, msgpipe.ErrPipeClosed) || s.ctx.Err() != nil
}

func (s *Session) killAfterPumpFailure() {
	if err := s.KillHost(); err != nil {
		s.logf("session %s: kill host: %v", s.id, err)
	}
}

// KillHost forcibly stops the host. An already exited host, or one the OS
// refuses to signal because it is going away, is logged and not an error.
func (s *Session) KillHost() error {
	s.mu.Lock()
	proc := s.process
	s.mu.Unlock()
	if proc == nil {
		return nil
	}
	s.logf("session %s: killing host pid=%d", s.id, proc.PID())
	err := proc.Kill()
	if err == nil {
		return nil
	}
	if rhost.IsAlreadyExited(err) {
		s.logf("session %s: host pid=%d already exiting: %v", s.id, proc.PID(), err)
		return nil
	}
	s.logf("session %s: failed to kill host pid=%d: %v", s.id, proc.PID(), err)
	return err
}

// ConnectClient binds the session's single client end.
// CheckClient reports the error ConnectClient would return right now,
// without binding the client end.
func (s *Session) CheckClient() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == Terminated:
		return ErrSessionTerminated
	case s.clientEnd != nil:
		return ErrClientAlreadyConnected
	}
	return nil
}

func (s *Session) ConnectClient() (*msgpipe.End, error) {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return nil, ErrSessionTerminated
	}
	if s.clientEnd != nil {
		s.mu.Unlock()
		s.logf("session %s: already has a client connected", s.id)
		return nil, ErrClientAlreadyConnected
	}
	end, err := s.pipe.ConnectClient()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.clientEnd = end
	s.mu.Unlock()

	s.SetState(Runnable)
	return end, nil
}

// Process returns the host process, nil before StartHost.
func (s *Session) Process() *rhost.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process
}

func (s *Session) Info() protocol.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := protocol.SessionInfo{
		ID:                   s.id,
		Owner:                s.owner,
		InterpreterID:        s.interp.ID,
		InterpreterPath:      s.interp.InstallPath,
		Architecture:         s.interp.Architecture,
		CommandLineArguments: s.args,
		IsInteractive:        s.interactive,
		State:                s.state,
		ClientConnected:      s.clientEnd != nil && !s.clientEnd.Closed(),
		StartedAt:            protocol.NewTimestamp(s.createdAt),
	}
	if s.process != nil {
		info.HostPID = s.process.PID()
	}
	return info
}
