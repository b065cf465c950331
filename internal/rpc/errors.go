package rpc

import (
	"errors"
	"fmt"

	"github.com/t77yq/taskfabric/internal/model"
)

var (
	// ErrAuthentication is returned when the request credential does not match the shared secret
	ErrAuthentication = errors.New("authentication failed")

	// ErrUnknownFunction is returned when the function name is not registered as offloadable
	ErrUnknownFunction = errors.New("unknown offloadable function")

	// ErrTransport is returned on connection failures, timeouts and malformed responses
	ErrTransport = errors.New("transport error")

	// ErrExecution is returned when the offloaded function itself failed
	ErrExecution = errors.New("execution failed")

	// ErrBadRequest is returned when the request body cannot be decoded
	ErrBadRequest = errors.New("malformed request")
)

// ResultError converts the error variant of a TaskResult into an error wrapping the
// sentinel of its kind. It returns nil for Ok results.
func ResultError(res model.TaskResult) error {
	if !res.Failed() {
		return nil
	}

	var sentinel error
	switch res.Kind {
	case model.ErrorKindAuthentication:
		sentinel = ErrAuthentication
	case model.ErrorKindLookup:
		sentinel = ErrUnknownFunction
	case model.ErrorKindBadRequest:
		sentinel = ErrBadRequest
	default:
		sentinel = ErrExecution
	}
	return fmt.Errorf("%w: %s", sentinel, res.Error)
}
