package rhost

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	hostDirName      = "Host"
	hostBinaryName   = "rhost"
	brokerBinaryName = "rbroker"
	windowsExeSuffix = ".exe"
	macArchArm64     = "arm64"
	macArchX64       = "x64"
	brokerPathEnv    = "RBROKER_BROKER_PATH"
)

// BinaryMissingError reports that a host or broker executable is absent.
type BinaryMissingError struct {
	Path string
}

func (e *BinaryMissingError) Error() string {
	return fmt.Sprintf("required component is not installed: %s", e.Path)
}

// Locator resolves executables under BaseDir. Empty GOOS/GOARCH default to
// the running platform.
type Locator struct {
	BaseDir string
	GOOS    string
	GOARCH  string
}

func (l Locator) goos() string {
	if l.GOOS != "" {
		return l.GOOS
	}
	return runtime.GOOS
}

func (l Locator) goarch() string {
	if l.GOARCH != "" {
		return l.GOARCH
	}
	return runtime.GOARCH
}

// HostPath returns the expected host executable path without checking it.
// On macOS the interpreter architecture picks the subdirectory; when empty
// the CPU architecture does.
func (l Locator) HostPath(architecture string) string {
	switch l.goos() {
	case "windows":
		return filepath.Join(l.BaseDir, hostDirName, "Windows", hostBinaryName+windowsExeSuffix)
	case "darwin":
		arch := normalizeArch(architecture)
		if arch == "" {
			arch = normalizeArch(l.goarch())
		}
		return filepath.Join(l.BaseDir, hostDirName, "Mac", arch, hostBinaryName)
	default:
		return filepath.Join(l.BaseDir, hostDirName, "Linux", hostBinaryName)
	}
}

// ResolveHost returns the host executable path, or *BinaryMissingError.
func (l Locator) ResolveHost(architecture string) (string, error) {
	path := l.HostPath(architecture)
	if !fileExists(path) {
		return "", &BinaryMissingError{Path: path}
	}
	return path, nil
}

// BrokerExecutablePath resolves the broker executable shipped next to the
// host layout. RBROKER_BROKER_PATH overrides the location.
func (l Locator) BrokerExecutablePath() (string, error) {
	if path := os.Getenv(brokerPathEnv); path != "" {
		if !fileExists(path) {
			return "", &BinaryMissingError{Path: path}
		}
		return path, nil
	}
	name := brokerBinaryName
	if l.goos() == "windows" {
		name += windowsExeSuffix
	}
	path := filepath.Join(l.BaseDir, name)
	if !fileExists(path) {
		return "", &BinaryMissingError{Path: path}
	}
	return path, nil
}

func normalizeArch(arch string) string {
	switch arch {
	case "":
		return ""
	case "amd64", "x86_64", "x64", "X64":
		return macArchX64
	case "arm64", "aarch64", "Arm64":
		return macArchArm64
	default:
		return arch
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
