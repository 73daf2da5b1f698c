package protocol

import "net/http"

// ProtocolVersion is reported by GET /info. Bump on incompatible changes to
// the REST surface or the pipe sub-protocol.
const ProtocolVersion = "1"

// PipeSubprotocol is negotiated on the WebSocket pipe upgrade.
const PipeSubprotocol = "rhost"

// REST paths.
const (
	PathSessions = "/sessions"
	PathInfo     = "/info"
	PipeSuffix   = "/pipe"
)

// DefaultUser is the owner recorded when Basic auth carries no user name.
const DefaultUser = "anonymous"

// SessionState is the wire name of a broker session state.
type SessionState string

const (
	StateUninitialized SessionState = "Uninitialized"
	StateConnected     SessionState = "Connected"
	StateRunnable      SessionState = "Runnable"
	StateBusy          SessionState = "Busy"
	StateTerminated    SessionState = "Terminated"
)

// API error codes carried in APIError.Code.
const (
	ErrNoRInterpreters      = "NoRInterpreters"
	ErrInterpreterNotFound  = "InterpreterNotFound"
	ErrUnableToStartRHost   = "UnableToStartRHost"
	ErrPipeAlreadyConnected = "PipeAlreadyConnected"
	ErrOSError              = "OSError"
	ErrSessionNotFound      = "SessionNotFound"
	ErrBadRequest           = "BadRequest"
)

// StatusForCode maps an API error code to its HTTP status.
func StatusForCode(code string) int {
	switch code {
	case ErrNoRInterpreters, ErrInterpreterNotFound, ErrBadRequest:
		return http.StatusBadRequest
	case ErrSessionNotFound:
		return http.StatusNotFound
	case ErrPipeAlreadyConnected:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
