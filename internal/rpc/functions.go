package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/t77yq/taskfabric/internal/model"
)

// Func is the body of an offloadable operation. Arguments arrive as decoded JSON values.
type Func func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// Function pairs a body with the name it is registered under
type Function struct {
	Name string
	Fn   Func
}

// FunctionTable is the set of functions this node accepts for remote execution
type FunctionTable struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewFunctionTable creates an empty function table
func NewFunctionTable() *FunctionTable {
	return &FunctionTable{
		funcs: make(map[string]Func),
	}
}

// Register adds or replaces a function
func (t *FunctionTable) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("function name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("function %s has no body", name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[name] = fn
	return nil
}

// Lookup returns the function registered under name
func (t *FunctionTable) Lookup(name string) (Func, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.funcs[name]
	return fn, ok
}

// Names returns the registered names in sorted order
func (t *FunctionTable) Names() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.funcs))
	for name := range t.funcs {
		names = append(names, name)
	}
	t.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Invoke runs the named function and wraps its outcome. A panic in the body becomes an
// execution error.
func (t *FunctionTable) Invoke(ctx context.Context, name string, args []interface{}, kwargs map[string]interface{}) model.TaskResult {
	fn, ok := t.Lookup(name)
	if !ok {
		return model.Err(model.ErrorKindLookup, fmt.Sprintf("function %q is not offloadable", name))
	}
	return Call(ctx, fn, args, kwargs)
}

// Call runs fn and wraps its return value or failure
func Call(ctx context.Context, fn Func, args []interface{}, kwargs map[string]interface{}) (result model.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			result = model.Err(model.ErrorKindExecution, fmt.Sprintf("panic: %v", r))
		}
	}()

	if args == nil {
		args = []interface{}{}
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}

	value, err := fn(ctx, args, kwargs)
	if err != nil {
		return model.Err(model.ErrorKindExecution, err.Error())
	}
	return model.Ok(value)
}
