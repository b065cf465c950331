package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/rpc"
)

func call(t *testing.T, fn rpc.Func, args ...interface{}) interface{} {
	t.Helper()
	got, err := fn(context.Background(), args, nil)
	require.NoError(t, err)
	return got
}

func TestPrimeCalculation(t *testing.T) {
	assert.Equal(t, 0, call(t, PrimeCalculation, 1))
	assert.Equal(t, 1, call(t, PrimeCalculation, 2))
	assert.Equal(t, 25, call(t, PrimeCalculation, 100))
	assert.Equal(t, 168, call(t, PrimeCalculation, float64(1000)))

	_, err := PrimeCalculation(context.Background(), nil, nil)
	assert.Error(t, err)

	// out of int range must not wrap into the n < 2 path
	_, err = PrimeCalculation(context.Background(), []interface{}{1e19}, nil)
	assert.Error(t, err)
}

func TestMatrixMultiply(t *testing.T) {
	got := call(t, MatrixMultiply, 3).(map[string]interface{})
	assert.Equal(t, 3, got["size"])

	// a = [[0,1/7,2/7],[3/7,4/7,5/7],[6/7,0,1/7]], b = [[0,.2,.4],[.6,.8,0],[.2,.4,.6]]
	// diag(a*b) = 1/7*.6+2/7*.2, 3/7*.2+4/7*.8+5/7*.4, 6/7*.4+1/7*.6
	want := (0.6+0.4)/7 + (0.6+3.2+2.0)/7 + (2.4+0.6)/7
	assert.InDelta(t, want, got["trace"], 1e-9)
	// column sums of a (9/7, 5/7, 8/7) dotted with row sums of b (.6, 1.4, 1.2)
	assert.InDelta(t, 22.0/7, got["sum"], 1e-9)

	_, err := MatrixMultiply(context.Background(), []interface{}{0}, nil)
	assert.Error(t, err)
}

func TestComplexOperation(t *testing.T) {
	// sum of i*i for i < 1000 is 999*1000*1999/6
	assert.Equal(t, int64(332833500), call(t, ComplexOperation, 1))
	assert.Equal(t, int64(0), call(t, ComplexOperation, 0))

	_, err := ComplexOperation(context.Background(), []interface{}{-1}, nil)
	assert.Error(t, err)
}

func TestDataProcessing(t *testing.T) {
	got := call(t, DataProcessing, 10)
	assert.Equal(t, map[string]interface{}{"processed": 10, "status": "completed"}, got)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := DataProcessing(ctx, []interface{}{1_000_000}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDataTransform(t *testing.T) {
	h := NewDataTransformHandler(zap.NewNop())
	data := []interface{}{1.0, -2.0, 3.0, 4.0}

	tests := []struct {
		name      string
		operation string
		params    map[string]interface{}
		want      interface{}
	}{
		{"filter gt", "filter", map[string]interface{}{"op": "gt", "value": 1.0}, []float64{3, 4}},
		{"filter le", "filter", map[string]interface{}{"op": "le", "value": 1.0}, []float64{1, -2}},
		{"scale", "transform", map[string]interface{}{"op": "scale", "value": 2.0}, []float64{2, -4, 6, 8}},
		{"abs", "transform", map[string]interface{}{"op": "abs"}, []float64{1, 2, 3, 4}},
		{"sum", "aggregate", map[string]interface{}{"op": "sum"}, 6.0},
		{"mean", "aggregate", map[string]interface{}{"op": "mean"}, 1.5},
		{"min", "aggregate", map[string]interface{}{"op": "min"}, -2.0},
		{"max", "aggregate", map[string]interface{}{"op": "max"}, 4.0},
		{"count", "aggregate", map[string]interface{}{"op": "count"}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Run(context.Background(), []interface{}{tt.operation, data, tt.params}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDataTransform_Kwargs(t *testing.T) {
	h := NewDataTransformHandler(zap.NewNop())

	got, err := h.Run(context.Background(), nil, map[string]interface{}{
		"operation": "aggregate",
		"data":      []interface{}{2.0, 3.0},
		"params":    map[string]interface{}{"op": "sum"},
	})
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)
}

func TestDataTransform_Errors(t *testing.T) {
	h := NewDataTransformHandler(zap.NewNop())
	ctx := context.Background()

	_, err := h.Run(ctx, nil, nil)
	assert.Error(t, err)

	_, err = h.Run(ctx, []interface{}{"sort", []interface{}{1.0}}, nil)
	assert.ErrorContains(t, err, "unknown operation")

	_, err = h.Run(ctx, []interface{}{"filter", "not a list"}, nil)
	assert.Error(t, err)

	_, err = h.Run(ctx, []interface{}{"aggregate", []interface{}{}, map[string]interface{}{"op": "max"}}, nil)
	assert.Error(t, err)
}

type tableRegistrar struct {
	table *rpc.FunctionTable
}

func (r tableRegistrar) Register(name string, fn rpc.Func) (rpc.Function, error) {
	if err := r.table.Register(name, fn); err != nil {
		return rpc.Function{}, err
	}
	return rpc.Function{Name: name, Fn: fn}, nil
}

func TestRegisterBuiltins(t *testing.T) {
	table := rpc.NewFunctionTable()
	handles, err := RegisterBuiltins(tableRegistrar{table}, zap.NewNop())
	require.NoError(t, err)

	assert.Len(t, handles, 5)
	assert.Equal(t, []string{"complex_operation", "data_processing", "data_transform", "matrix_multiply", "prime_calculation"}, table.Names())
	assert.Equal(t, "prime_calculation", handles["prime_calculation"].Name)
}
