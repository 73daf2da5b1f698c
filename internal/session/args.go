package session

import (
	"fmt"
	"strconv"
	"strings"
)

// LogVerbosity is passed to the host as --rhost-log-verbosity.
type LogVerbosity int

const (
	VerbosityNone LogVerbosity = iota
	VerbosityMinimal
	VerbosityNormal
	VerbosityTraffic
)

// VerbosityFor picks the host log level from the broker's logging switches.
func VerbosityFor(logPackets, logHostOutput bool) LogVerbosity {
	if logPackets || logHostOutput {
		return VerbosityTraffic
	}
	return VerbosityMinimal
}

type hostArgs struct {
	interactive bool
	rDir        string
	name        string
	logFolder   string
	verbosity   LogVerbosity
	extra       string
}

func (a hostArgs) build() ([]string, error) {
	args := make([]string, 0, 10)
	if a.interactive {
		args = append(args, "--rhost-interactive")
	}
	args = append(args, "--rhost-r-dir", a.rDir, "--rhost-name", a.name)
	if a.logFolder != "" {
		args = append(args, "--rhost-log-dir", a.logFolder)
	}
	args = append(args, "--rhost-log-verbosity", strconv.Itoa(int(a.verbosity)))

	extra, err := SplitArgs(a.extra)
	if err != nil {
		return nil, err
	}
	return append(args, extra...), nil
}

// SplitArgs splits a command line on unquoted whitespace. Double and single
// quotes group. Outside single quotes a backslash escapes a quote, another
// backslash or whitespace and is kept literally before anything else, so
// Windows paths pass through.
func SplitArgs(line string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		inArg   bool
		quote   rune
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			if !isEscapable(r) {
				current.WriteRune('\\')
			}
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inArg = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inArg = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inArg {
				args = append(args, current.String())
				current.Reset()
				inArg = false
			}
		default:
			current.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote in arguments %q", quote, line)
	}
	if escaped {
		current.WriteRune('\\')
	}
	if inArg {
		args = append(args, current.String())
	}
	return args, nil
}

func isEscapable(r rune) bool {
	switch r {
	case '"', '\'', '\\', ' ', '\t':
		return true
	}
	return false
}
