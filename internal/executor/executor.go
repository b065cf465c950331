package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/model"
	"github.com/t77yq/taskfabric/internal/monitor"
	"github.com/t77yq/taskfabric/internal/rpc"
	"github.com/t77yq/taskfabric/internal/scheduler"
	"github.com/t77yq/taskfabric/internal/storage"
)

const historyWriteTimeout = 5 * time.Second

// Placements recorded in metrics
const (
	placementInline = "inline"
	placementLocal  = "local"
	placementRemote = "remote"
)

// LoadSource provides the local load fraction
type LoadSource interface {
	Current() float64
}

// RemoteCaller performs an offloaded call on a peer
type RemoteCaller interface {
	Call(ctx context.Context, address, function string, args []interface{}, kwargs map[string]interface{}) (interface{}, error)
}

// PeerTracker records the outcome of calls made to peers
type PeerTracker interface {
	Touch(address string) bool
	MarkFailure(address string) bool
}

// Option configures optional collaborators of a DistributedExecutor
type Option func(*DistributedExecutor)

// WithHistory records every submission
func WithHistory(history storage.TaskHistoryStorage) Option {
	return func(e *DistributedExecutor) { e.history = history }
}

// WithMetrics counts submissions by placement and outcome
func WithMetrics(metrics *monitor.Metrics) Option {
	return func(e *DistributedExecutor) { e.metrics = metrics }
}

// WithTracker refreshes peers after successful calls and counts transport failures
func WithTracker(tracker PeerTracker) Option {
	return func(e *DistributedExecutor) { e.tracker = tracker }
}

// DistributedExecutor runs submissions in-process or on the least loaded peer
type DistributedExecutor struct {
	logger    *zap.Logger
	functions *rpc.FunctionTable
	load      LoadSource
	peers     scheduler.PeerSource
	selector  scheduler.Selector
	caller    RemoteCaller
	tracker   PeerTracker
	history   storage.TaskHistoryStorage
	metrics   *monitor.Metrics

	running sync.Map
	wg      sync.WaitGroup
}

// NewDistributedExecutor creates a new executor. functions is the table also served to peers.
func NewDistributedExecutor(functions *rpc.FunctionTable, load LoadSource, peers scheduler.PeerSource, selector scheduler.Selector, caller RemoteCaller, logger *zap.Logger, opts ...Option) *DistributedExecutor {
	e := &DistributedExecutor{
		logger:    logger.Named("executor"),
		functions: functions,
		load:      load,
		peers:     peers,
		selector:  selector,
		caller:    caller,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register marks fn as offloadable under name and returns the handle to submit it with
func (e *DistributedExecutor) Register(name string, fn rpc.Func) (rpc.Function, error) {
	if err := e.functions.Register(name, fn); err != nil {
		return rpc.Function{}, fmt.Errorf("failed to register %s: %w", name, err)
	}
	e.logger.Info("Registered offloadable function", zap.String("function", name))
	return rpc.Function{Name: name, Fn: fn}, nil
}

// Function returns the handle of a registered function
func (e *DistributedExecutor) Function(name string) (rpc.Function, bool) {
	fn, ok := e.functions.Lookup(name)
	if !ok {
		return rpc.Function{}, false
	}
	return rpc.Function{Name: name, Fn: fn}, true
}

// Functions returns the offloadable-function table
func (e *DistributedExecutor) Functions() *rpc.FunctionTable {
	return e.functions
}

// Submit runs fn with positional arguments
func (e *DistributedExecutor) Submit(ctx context.Context, fn rpc.Function, args ...interface{}) *Future {
	return e.SubmitWithKwargs(ctx, fn, args, nil)
}

// SubmitWithKwargs runs fn with positional and keyword arguments. A function that is not
// registered as offloadable runs inline and the returned Future is already complete.
// Otherwise placement and execution happen in the background; a failed remote call fails
// the Future and is not retried locally.
func (e *DistributedExecutor) SubmitWithKwargs(ctx context.Context, fn rpc.Function, args []interface{}, kwargs map[string]interface{}) *Future {
	f := newFuture(uuid.New().String(), fn.Name)

	body, registered := e.functions.Lookup(fn.Name)
	if fn.Name == "" {
		registered = false
	}
	if fn.Fn != nil {
		body = fn.Fn
	}
	if body == nil {
		f.setTarget(model.TargetLocal)
		f.fail(fmt.Errorf("%w: %q", ErrInvalidFunction, fn.Name))
		return f
	}

	record := e.startHistory(ctx, f, args, kwargs)

	if !registered {
		f.setTarget(model.TargetLocal)
		e.runLocal(ctx, f, body, args, kwargs)
		e.finish(ctx, f, placementInline, record)
		return f
	}

	e.running.Store(f.id, f)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.running.Delete(f.id)

		// Placement and the remote call are bounded by the balancer and RPC timeouts.
		// An abandoned caller context must not turn into failures charged to peers.
		netCtx := context.WithoutCancel(ctx)
		target := e.selector.SelectTarget(netCtx, e.peers.Snapshot(), e.load.Current())
		f.setTarget(target.String())

		placement := placementLocal
		if target.Local {
			e.runLocal(ctx, f, body, args, kwargs)
		} else {
			placement = placementRemote
			e.runRemote(netCtx, f, target.Address, args, kwargs)
		}
		e.finish(ctx, f, placement, record)
	}()
	return f
}

// InFlight returns the number of background submissions not yet complete
func (e *DistributedExecutor) InFlight() int {
	n := 0
	e.running.Range(func(key, value interface{}) bool {
		n++
		return true
	})
	return n
}

// Wait blocks until all background submissions have completed
func (e *DistributedExecutor) Wait() {
	e.wg.Wait()
}

// History returns the most recent submissions, newest first
func (e *DistributedExecutor) History(ctx context.Context, limit int) ([]*storage.TaskHistory, error) {
	if e.history == nil {
		return nil, ErrHistoryDisabled
	}
	return e.history.List(ctx, nil, 0, limit)
}

func (e *DistributedExecutor) runLocal(ctx context.Context, f *Future, body rpc.Func, args []interface{}, kwargs map[string]interface{}) {
	res := rpc.Call(ctx, body, args, kwargs)
	if err := rpc.ResultError(res); err != nil {
		f.fail(err)
		return
	}
	f.resolve(res.Result)
}

func (e *DistributedExecutor) runRemote(ctx context.Context, f *Future, address string, args []interface{}, kwargs map[string]interface{}) {
	value, err := e.caller.Call(ctx, address, f.function, args, kwargs)
	if err != nil {
		if e.tracker != nil && ctx.Err() == nil && errors.Is(err, rpc.ErrTransport) {
			e.tracker.MarkFailure(address)
		}
		e.logger.Warn("Remote execution failed",
			zap.String("submission_id", f.id),
			zap.String("function", f.function),
			zap.String("peer", address),
			zap.Error(err))
		f.fail(err)
		return
	}
	if e.tracker != nil {
		e.tracker.Touch(address)
	}
	f.resolve(value)
}

func (e *DistributedExecutor) finish(ctx context.Context, f *Future, placement string, record *storage.TaskHistory) {
	_, _, err := f.Poll()
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	e.metrics.RecordSubmission(placement, outcome)

	e.logger.Debug("Submission completed",
		zap.String("submission_id", f.id),
		zap.String("function", f.function),
		zap.String("target", f.Target()),
		zap.String("outcome", outcome))

	e.completeHistory(ctx, f, record)
}

func (e *DistributedExecutor) startHistory(ctx context.Context, f *Future, args []interface{}, kwargs map[string]interface{}) *storage.TaskHistory {
	if e.history == nil {
		return nil
	}

	payload, err := json.Marshal(map[string]interface{}{"args": args, "kwargs": kwargs})
	if err != nil {
		payload = nil
	}
	record := &storage.TaskHistory{
		ID:          f.id,
		Function:    f.function,
		Target:      model.TargetLocal,
		Status:      model.TaskStatusRunning,
		Args:        payload,
		SubmittedAt: time.Now(),
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
	defer cancel()
	if err := e.history.Store(hctx, record); err != nil {
		e.logger.Error("Failed to store submission history",
			zap.String("submission_id", f.id),
			zap.Error(err))
		return nil
	}
	return record
}

func (e *DistributedExecutor) completeHistory(ctx context.Context, f *Future, record *storage.TaskHistory) {
	if record == nil {
		return
	}

	value, _, err := f.Poll()
	completed := time.Now()
	record.Target = f.Target()
	record.CompletedAt = &completed
	record.Duration = completed.Sub(record.SubmittedAt)
	if err != nil {
		record.Status = model.TaskStatusFailed
		record.Error = err.Error()
	} else {
		record.Status = model.TaskStatusCompleted
		if data, err := json.Marshal(value); err == nil {
			record.Result = data
		}
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
	defer cancel()
	if err := e.history.Update(hctx, record); err != nil {
		e.logger.Error("Failed to update submission history",
			zap.String("submission_id", f.id),
			zap.Error(err))
	}
}
