package executor

import "errors"

var (
	// ErrInvalidFunction is returned for a submission that has neither a body nor a registered name
	ErrInvalidFunction = errors.New("function has no body")

	// ErrHistoryDisabled is returned by History when no history storage is configured
	ErrHistoryDisabled = errors.New("submission history disabled")
)
