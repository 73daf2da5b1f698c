//go:build windows

package rhost

import (
	"errors"
	"os"
	"os/exec"
)

func configureCommand(cmd *exec.Cmd) {}

func killProcess(p *os.Process) error {
	return p.Kill()
}

// ProcessAlive reports whether pid names a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}

// KillPID terminates pid.
func KillPID(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func isNoSuchProcess(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}

func isPermissionDenied(err error) bool {
	return errors.Is(err, os.ErrPermission)
}

// LeadsProcessGroup falls back to a liveness check; Windows hosts are not
// started in a group of their own.
func LeadsProcessGroup(pid int) bool {
	return ProcessAlive(pid)
}
