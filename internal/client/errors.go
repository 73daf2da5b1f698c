package client

import (
	"context"
	"fmt"

	"github.com/victorarias/rbroker/internal/protocol"
)

// HostDisconnectedError is the single error callers see when a broker or
// host cannot be reached. It matches context.Canceled under errors.Is so
// cancellation-aware callers treat it as an ordinary stop.
type HostDisconnectedError struct {
	Message string
	Err     error
}

func (e *HostDisconnectedError) Error() string {
	return e.Message
}

func (e *HostDisconnectedError) Unwrap() error {
	return e.Err
}

func (e *HostDisconnectedError) Is(target error) bool {
	return target == context.Canceled
}

func disconnected(err error, format string, args ...interface{}) *HostDisconnectedError {
	return &HostDisconnectedError{Message: fmt.Sprintf(format, args...), Err: err}
}

// MessageForAPIError turns a broker API error into the message shown to the
// user. interpreterPath names the interpreter the request asked for.
func MessageForAPIError(apiErr *protocol.APIError, interpreterPath string) string {
	switch apiErr.Code {
	case protocol.ErrNoRInterpreters:
		return "No R interpreters are installed on the broker."
	case protocol.ErrInterpreterNotFound:
		return fmt.Sprintf("R interpreter %q was not found on the broker.", interpreterPath)
	case protocol.ErrUnableToStartRHost:
		if apiErr.Message != "" {
			return fmt.Sprintf("Unable to start the R host: %s", apiErr.Message)
		}
		return "Unable to start the R host: unknown error."
	case protocol.ErrPipeAlreadyConnected:
		return "The R session is already connected to another client."
	case protocol.ErrOSError:
		if apiErr.Message != "" {
			return fmt.Sprintf("The broker reported an operating system error: %s", apiErr.Message)
		}
		return "The broker reported an unknown operating system error."
	case protocol.ErrSessionNotFound:
		return "The R session does not exist on the broker."
	case protocol.ErrBadRequest:
		return fmt.Sprintf("The broker rejected the request: %s", apiErr.Message)
	}
	if debugBuild {
		panic(fmt.Sprintf("no message for broker API error %q", apiErr.Code))
	}
	return apiErr.Code
}
