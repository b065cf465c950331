package executor

import (
	"context"
	"sync"
)

// FutureState is the lifecycle position of a submission
type FutureState int

const (
	FuturePending FutureState = iota
	FutureResolved
	FutureFailed
)

func (s FutureState) String() string {
	switch s {
	case FuturePending:
		return "pending"
	case FutureResolved:
		return "resolved"
	case FutureFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Future is the outcome of one submission. It leaves Pending exactly once and is
// immutable afterwards. Abandoning a Future does not cancel remote execution.
type Future struct {
	id       string
	function string
	done     chan struct{}
	once     sync.Once

	mu     sync.RWMutex
	state  FutureState
	value  interface{}
	err    error
	target string
}

func newFuture(id, function string) *Future {
	return &Future{
		id:       id,
		function: function,
		done:     make(chan struct{}),
	}
}

// ID returns the submission id
func (f *Future) ID() string { return f.id }

// Function returns the submitted function name
func (f *Future) Function() string { return f.function }

// Target returns where the submission ran, "local" or a peer address. It is empty until
// placement is decided.
func (f *Future) Target() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.target
}

// State returns the current state
func (f *Future) State() FutureState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Done is closed once the Future is resolved or failed
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Poll returns the outcome without blocking. done is false while the Future is pending.
func (f *Future) Poll() (value interface{}, done bool, err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.state == FuturePending {
		return nil, false, nil
	}
	return f.value, true, f.err
}

// Wait blocks until the Future completes or ctx ends. A ctx error leaves the Future pending.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		f.mu.RLock()
		defer f.mu.RUnlock()
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) setTarget(target string) {
	f.mu.Lock()
	f.target = target
	f.mu.Unlock()
}

func (f *Future) resolve(value interface{}) {
	f.complete(FutureResolved, value, nil)
}

func (f *Future) fail(err error) {
	f.complete(FutureFailed, nil, err)
}

func (f *Future) complete(state FutureState, value interface{}, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.state = state
		f.value = value
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}
