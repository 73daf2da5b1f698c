package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// SessionCreateRequest is the body of PUT /sessions/{id}.
type SessionCreateRequest struct {
	InterpreterPath         string `json:"InterpreterPath,omitempty"`
	InterpreterArchitecture string `json:"InterpreterArchitecture,omitempty"`
	CommandLineArguments    string `json:"CommandLineArguments,omitempty"`
	IsInteractive           bool   `json:"IsInteractive"`
}

// SessionInfo describes one broker session.
type SessionInfo struct {
	ID                   string       `json:"Id"`
	Owner                string       `json:"Owner,omitempty"`
	InterpreterID        string       `json:"InterpreterId,omitempty"`
	InterpreterPath      string       `json:"InterpreterPath,omitempty"`
	Architecture         string       `json:"Architecture,omitempty"`
	CommandLineArguments string       `json:"CommandLineArguments,omitempty"`
	IsInteractive        bool         `json:"IsInteractive"`
	State                SessionState `json:"State"`
	HostPID              int          `json:"HostPid,omitempty"`
	ClientConnected      bool         `json:"ClientConnected"`
	StartedAt            Timestamp    `json:"StartedAt,omitempty"`
}

// InterpreterInfo is one interpreter a broker can launch.
type InterpreterInfo struct {
	ID          string `json:"Id"`
	Name        string `json:"Name,omitempty"`
	InstallPath string `json:"InstallPath"`
}

// BrokerInfo is the body of GET /info.
type BrokerInfo struct {
	Name            string            `json:"Name"`
	Version         string            `json:"Version"`
	ProtocolVersion string            `json:"ProtocolVersion"`
	InstanceID      string            `json:"InstanceId"`
	Interpreters    []InterpreterInfo `json:"Interpreters"`
}

// APIError is the error body every broker endpoint returns on failure.
type APIError struct {
	Code    string `json:"Error"`
	Message string `json:"Message,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func NewAPIError(code, format string, args ...interface{}) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// DecodeAPIError parses an error body. A body that is not an APIError yields
// ok=false.
func DecodeAPIError(r io.Reader) (*APIError, bool) {
	var apiErr APIError
	if err := json.NewDecoder(r).Decode(&apiErr); err != nil || apiErr.Code == "" {
		return nil, false
	}
	return &apiErr, true
}

// SessionPath returns /sessions/{id} with id escaped.
func SessionPath(id string) string {
	return PathSessions + "/" + url.PathEscape(id)
}

// PipePath returns /sessions/{id}/pipe with id escaped.
func PipePath(id string) string {
	return SessionPath(id) + PipeSuffix
}

// WebSocketURL turns an http(s) broker URL plus an escaped path into a ws(s)
// URL.
func WebSocketURL(base *url.URL, escapedPath string) string {
	scheme := "ws"
	if strings.EqualFold(base.Scheme, "https") {
		scheme = "wss"
	}
	return scheme + "://" + base.Host + strings.TrimSuffix(base.EscapedPath(), "/") + escapedPath
}

// HTTPURL joins a broker URL and an escaped path.
func HTTPURL(base *url.URL, escapedPath string) string {
	return base.Scheme + "://" + base.Host + strings.TrimSuffix(base.EscapedPath(), "/") + escapedPath
}
