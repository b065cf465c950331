package handler

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/rpc"
)

// Registrar accepts offloadable functions
type Registrar interface {
	Register(name string, fn rpc.Func) (rpc.Function, error)
}

// Builtins returns the built-in offloadable task bodies keyed by name
func Builtins(logger *zap.Logger) map[string]rpc.Func {
	return map[string]rpc.Func{
		"prime_calculation": PrimeCalculation,
		"matrix_multiply":   MatrixMultiply,
		"data_processing":   DataProcessing,
		"complex_operation": ComplexOperation,
		"data_transform":    NewDataTransformHandler(logger).Run,
	}
}

// RegisterBuiltins registers every built-in task and returns their handles by name
func RegisterBuiltins(r Registrar, logger *zap.Logger) (map[string]rpc.Function, error) {
	handles := make(map[string]rpc.Function)
	for name, fn := range Builtins(logger) {
		handle, err := r.Register(name, fn)
		if err != nil {
			return nil, fmt.Errorf("failed to register built-in %s: %w", name, err)
		}
		handles[name] = handle
	}
	return handles, nil
}
