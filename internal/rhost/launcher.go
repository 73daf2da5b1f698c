package rhost

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/victorarias/rbroker/internal/logging"
)

// DefaultHealthCheck is how long StartHost waits for an early exit.
const DefaultHealthCheck = 250 * time.Millisecond

// Interpreter describes an installed R.
type Interpreter struct {
	ID           string
	Name         string
	InstallPath  string
	Architecture string
}

// HostStartError reports that the host exited during the health check.
type HostStartError struct {
	Path     string
	ExitCode int
	Err      error
}

func (e *HostStartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("host process %s failed to start: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("host process %s failed to start: exit code %d", e.Path, e.ExitCode)
}

func (e *HostStartError) Unwrap() error {
	return e.Err
}

type Launcher struct {
	Locator Locator
	Logf    logging.LogFunc
	// LogHostOutput forwards host stderr lines to Logf; otherwise stderr is
	// drained and discarded.
	LogHostOutput bool
	HealthCheck   time.Duration
}

// StartHost spawns the host for interp with stdio piped and waits briefly for
// an early failure.
func (l *Launcher) StartHost(interp Interpreter, args []string) (*Process, error) {
	logf := logging.OrNop(l.Logf)

	path, err := l.Locator.ResolveHost(interp.Architecture)
	if err != nil {
		return nil, err
	}

	goos := l.Locator.goos()
	cmd := exec.Command(path, args...)
	cmd.Env = mergeEnvironment(os.Environ(), hostEnvironment(goos, interp.InstallPath))
	cmd.Dir = interp.InstallPath
	if _, statErr := os.Stat(cmd.Dir); statErr != nil {
		cmd.Dir = ""
	}
	configureCommand(cmd)

	proc, err := start(cmd, logf, l.LogHostOutput)
	if err != nil {
		return nil, &HostStartError{Path: path, ExitCode: -1, Err: err}
	}
	logf("rhost started: pid=%d path=%s R_HOME=%s", proc.PID(), path, interp.InstallPath)

	wait := l.HealthCheck
	if wait <= 0 {
		wait = DefaultHealthCheck
	}
	select {
	case <-proc.Exited():
		if code := proc.ExitCode(); code != 0 {
			return nil, &HostStartError{Path: path, ExitCode: code}
		}
	case <-time.After(wait):
	}
	return proc, nil
}

// Process is a running host with its redirected stdio.
type Process struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	exited chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

func start(cmd *exec.Cmd, logf logging.LogFunc, logStderr bool) (*Process, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW} {
			f.Close()
		}
		return nil, err
	}
	// The child holds its own copies now.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		cmd:      cmd,
		stdin:    stdinW,
		stdout:   stdoutR,
		exited:   make(chan struct{}),
		exitCode: -1,
	}
	go drainStderr(stderrR, cmd.Process.Pid, logf, logStderr)
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Lock()
	p.exitCode = code
	p.waitErr = err
	p.mu.Unlock()
	close(p.exited)
}

func drainStderr(r io.ReadCloser, pid int, logf logging.LogFunc, logLines bool) {
	defer r.Close()
	if !logLines {
		io.Copy(io.Discard, r)
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logf("rhost[%d] stderr: %s", pid, scanner.Text())
	}
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

func (p *Process) Stdout() io.ReadCloser {
	return p.stdout
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

func (p *Process) HasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, or -1 while running or when killed by a
// signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Kill forcibly terminates the process. Killing an exited process returns
// an error for which IsAlreadyExited is true.
func (p *Process) Kill() error {
	if p.HasExited() {
		return os.ErrProcessDone
	}
	return killProcess(p.cmd.Process)
}

// IsAlreadyExited reports whether a kill error only means the process was
// already gone or is not ours to signal.
func IsAlreadyExited(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || isNoSuchProcess(err) || isPermissionDenied(err)
}
