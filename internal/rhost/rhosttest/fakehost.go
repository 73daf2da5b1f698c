// Package rhosttest turns a test binary into a stand-in R host. A test
// package calls Run from TestMain, then Install links the test binary into a
// Host/ layout so the launcher finds it like a real host.
package rhosttest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/victorarias/rbroker/internal/msgpipe"
	"github.com/victorarias/rbroker/internal/rhost"
)

const (
	// ModeEnv selects the fake host behaviour: echo, sleep, fail or exit.
	ModeEnv = "RBROKER_FAKE_HOST"
	// RecordEnv names a file each fake host appends a Record line to.
	RecordEnv = "RBROKER_FAKE_HOST_RECORD"

	ModeEcho  = "echo"
	ModeSleep = "sleep"
	ModeFail  = "fail"
	ModeExit  = "exit"

	FailExitCode = 3
)

// Record is what a fake host saw at startup.
type Record struct {
	PID           int      `json:"pid"`
	Args          []string `json:"args"`
	RHome         string   `json:"r_home"`
	LDLibraryPath string   `json:"ld_library_path"`
}

// Run acts as the host and exits when ModeEnv is set; otherwise it returns.
func Run() {
	mode := os.Getenv(ModeEnv)
	if mode == "" {
		return
	}
	os.Exit(serve(mode))
}

func serve(mode string) int {
	if path := os.Getenv(RecordEnv); path != "" {
		if err := appendRecord(path); err != nil {
			fmt.Fprintf(os.Stderr, "fake host: record: %v\n", err)
		}
	}

	switch mode {
	case ModeFail:
		fmt.Fprintln(os.Stderr, "fake host: failing on request")
		return FailExitCode
	case ModeExit:
		return 0
	case ModeSleep:
		io.Copy(io.Discard, os.Stdin)
		return 0
	case ModeEcho:
		for {
			payload, err := msgpipe.ReadFrame(os.Stdin)
			if err != nil {
				if msgpipe.IsEndOfStream(err) {
					return 0
				}
				fmt.Fprintf(os.Stderr, "fake host: read: %v\n", err)
				return 1
			}
			if err := msgpipe.WriteFrame(os.Stdout, payload); err != nil {
				return 1
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "fake host: unknown mode %q\n", mode)
		return 2
	}
}

func appendRecord(path string) error {
	rec := Record{
		PID:           os.Getpid(),
		Args:          os.Args[1:],
		RHome:         os.Getenv("R_HOME"),
		LDLibraryPath: os.Getenv("LD_LIBRARY_PATH"),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// Install places the running test binary at the host path under a fresh
// base directory and returns the directory.
func Install(t testing.TB) string {
	t.Helper()
	baseDir := t.TempDir()
	target := rhost.Locator{BaseDir: baseDir}.HostPath("")
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		t.Fatalf("mkdir host dir: %v", err)
	}
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	if err := os.Symlink(self, target); err != nil {
		if err := copyFile(self, target); err != nil {
			t.Fatalf("install fake host: %v", err)
		}
	}
	return baseDir
}

// UseMode sets the fake host mode for hosts started by this test and
// returns the record file path.
func UseMode(t testing.TB, mode string) string {
	t.Helper()
	recordPath := filepath.Join(t.TempDir(), "hosts.jsonl")
	t.Setenv(ModeEnv, mode)
	t.Setenv(RecordEnv, recordPath)
	return recordPath
}

// Records reads every Record written so far.
func Records(t testing.TB, path string) []Record {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read records: %v", err)
	}
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("parse record %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
