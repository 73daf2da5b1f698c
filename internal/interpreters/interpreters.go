package interpreters

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/victorarias/rbroker/internal/logging"
	"github.com/victorarias/rbroker/internal/protocol"
	"github.com/victorarias/rbroker/internal/rhost"
)

var ErrNoInterpreters = errors.New("no R interpreters configured")

// NotFoundError reports a request path matching no configured interpreter.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("interpreter not found: %s", e.Path)
}

// Table is the broker's fixed set of launchable interpreters.
type Table struct {
	byID  map[string]rhost.Interpreter
	order []string
}

// New builds a table from id → install path. Entries whose directory does
// not exist are logged and skipped.
func New(configured map[string]string, logf logging.LogFunc) *Table {
	logf = logging.OrNop(logf)
	t := &Table{byID: make(map[string]rhost.Interpreter)}
	for id, path := range configured {
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			logf("interpreter %s: install path %q is not a directory, skipping", id, path)
			continue
		}
		t.byID[id] = rhost.Interpreter{
			ID:          id,
			Name:        fmt.Sprintf("R (%s)", id),
			InstallPath: filepath.Clean(path),
		}
		t.order = append(t.order, id)
	}
	sort.Strings(t.order)
	logf("%d interpreters configured", len(t.order))
	for _, id := range t.order {
		logf("[%s] : %s at %q", id, t.byID[id].Name, t.byID[id].InstallPath)
	}
	return t
}

func (t *Table) Len() int {
	return len(t.order)
}

// All returns the interpreters in id order.
func (t *Table) All() []rhost.Interpreter {
	out := make([]rhost.Interpreter, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// Lookup resolves a session request's interpreter. An empty path selects the
// first interpreter; otherwise path matches an id or an install path.
func (t *Table) Lookup(path string) (rhost.Interpreter, error) {
	if len(t.order) == 0 {
		return rhost.Interpreter{}, ErrNoInterpreters
	}
	if path == "" {
		return t.byID[t.order[0]], nil
	}
	if interp, ok := t.byID[path]; ok {
		return interp, nil
	}
	want := filepath.Clean(path)
	for _, id := range t.order {
		if samePath(t.byID[id].InstallPath, want) {
			return t.byID[id], nil
		}
	}
	return rhost.Interpreter{}, &NotFoundError{Path: path}
}

// Infos describes the table for GET /info.
func (t *Table) Infos() []protocol.InterpreterInfo {
	out := make([]protocol.InterpreterInfo, 0, len(t.order))
	for _, interp := range t.All() {
		out = append(out, protocol.InterpreterInfo{ID: interp.ID, Name: interp.Name, InstallPath: interp.InstallPath})
	}
	return out
}

func samePath(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
