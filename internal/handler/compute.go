package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/t77yq/taskfabric/internal/rpc"
)

const (
	maxPrimeLimit  = 50_000_000
	maxMatrixSize  = 1024
	maxComplexX    = 2_000
	maxProcessSize = 10_000_000
)

// PrimeCalculation counts the primes up to n
func PrimeCalculation(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	n, err := rpc.IntArg(args, 0)
	if err != nil {
		return nil, err
	}
	if n > maxPrimeLimit {
		return nil, fmt.Errorf("n must be at most %d", maxPrimeLimit)
	}
	if n < 2 {
		return 0, nil
	}

	composite := make([]bool, n+1)
	count := 0
	for i := 2; i <= n; i++ {
		if i%65536 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if composite[i] {
			continue
		}
		count++
		for j := i * i; j <= n; j += i {
			composite[j] = true
		}
	}
	return count, nil
}

// MatrixMultiply multiplies two deterministic size x size matrices and returns the size,
// the trace and the sum of all entries of the product
func MatrixMultiply(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	size, err := rpc.IntArg(args, 0)
	if err != nil {
		return nil, err
	}
	if size <= 0 || size > maxMatrixSize {
		return nil, fmt.Errorf("size must be in [1, %d]", maxMatrixSize)
	}

	a := make([]float64, size*size)
	b := make([]float64, size*size)
	for i := range a {
		a[i] = float64(i%7) / 7
		b[i] = float64(i%5) / 5
	}

	product := make([]float64, size*size)
	for i := 0; i < size; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for j := 0; j < size; j++ {
			cell := 0.0
			for k := 0; k < size; k++ {
				cell += a[i*size+k] * b[k*size+j]
			}
			product[i*size+j] = cell
		}
	}

	trace, sum := 0.0, 0.0
	for i, cell := range product {
		sum += cell
		if i/size == i%size {
			trace += cell
		}
	}
	return map[string]interface{}{"size": size, "trace": trace, "sum": sum}, nil
}

// DataProcessing simulates processing size records
func DataProcessing(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	size, err := rpc.IntArg(args, 0)
	if err != nil {
		return nil, err
	}
	if size < 0 || size > maxProcessSize {
		return nil, fmt.Errorf("size must be in [0, %d]", maxProcessSize)
	}

	timer := time.NewTimer(time.Duration(size) * 100 * time.Microsecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]interface{}{"processed": size, "status": "completed"}, nil
}

// ComplexOperation returns the sum of i*i for i below 1000*x
func ComplexOperation(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	x, err := rpc.IntArg(args, 0)
	if err != nil {
		return nil, err
	}
	if x < 0 || x > maxComplexX {
		return nil, fmt.Errorf("x must be in [0, %d]", maxComplexX)
	}

	var result int64
	limit := int64(x) * 1000
	for i := int64(0); i < limit; i++ {
		if i%1_000_000 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result += i * i
	}
	return result, nil
}
