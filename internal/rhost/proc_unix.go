//go:build !windows

package rhost

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureCommand(cmd *exec.Cmd) {
	// Hosts get their own process group; ^C on the broker must not reach them.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcess(p *os.Process) error {
	return p.Signal(unix.SIGKILL)
}

// ProcessAlive reports whether pid names a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// KillPID sends SIGKILL to pid.
func KillPID(pid int) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	return unix.Kill(pid, unix.SIGKILL)
}

func isNoSuchProcess(err error) bool {
	return errors.Is(err, unix.ESRCH)
}

func isPermissionDenied(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, os.ErrPermission)
}

// LeadsProcessGroup reports whether pid is alive and the leader of its own
// process group, as every host this package starts is.
func LeadsProcessGroup(pid int) bool {
	if !ProcessAlive(pid) {
		return false
	}
	pgid, err := unix.Getpgid(pid)
	return err == nil && pgid == pid
}
