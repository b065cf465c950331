package scheduler

import "errors"

var (
	// ErrNoReachablePeers is returned by a strategy when no candidate answered.
	// SelectTarget turns it into a Local target.
	ErrNoReachablePeers = errors.New("no reachable peers")

	// ErrInvalidInterval is returned when a periodic job is added with a non-positive interval
	ErrInvalidInterval = errors.New("invalid job interval")

	// ErrJobExists is returned when a periodic job name is already taken
	ErrJobExists = errors.New("job already exists")
)
