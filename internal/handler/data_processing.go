package handler

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/rpc"
)

// DataProcessor applies one operation to a list of numbers
type DataProcessor interface {
	Process(ctx context.Context, data []float64, params map[string]interface{}) (interface{}, error)
}

// DataTransformHandler backs the data_transform task
type DataTransformHandler struct {
	logger     *zap.Logger
	processors map[string]DataProcessor
}

// NewDataTransformHandler creates a handler with the filter, transform and aggregate processors
func NewDataTransformHandler(logger *zap.Logger) *DataTransformHandler {
	h := &DataTransformHandler{
		logger:     logger.Named("data-transform"),
		processors: make(map[string]DataProcessor),
	}

	h.RegisterProcessor("filter", &FilterProcessor{})
	h.RegisterProcessor("transform", &TransformProcessor{})
	h.RegisterProcessor("aggregate", &AggregateProcessor{})

	return h
}

// RegisterProcessor registers a new data processor
func (h *DataTransformHandler) RegisterProcessor(operation string, processor DataProcessor) {
	h.processors[operation] = processor
}

// Run is the rpc.Func body. It takes (operation, data, params) positionally or as kwargs.
func (h *DataTransformHandler) Run(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	operation, err := stringParam(args, kwargs, 0, "operation")
	if err != nil {
		return nil, err
	}
	rawData := param(args, kwargs, 1, "data")
	data, err := toFloats(rawData)
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	params, _ := param(args, kwargs, 2, "params").(map[string]interface{})

	processor, ok := h.processors[operation]
	if !ok {
		return nil, fmt.Errorf("unknown operation: %s", operation)
	}

	h.logger.Debug("Processing data",
		zap.String("operation", operation),
		zap.Int("items", len(data)))

	return processor.Process(ctx, data, params)
}

// FilterProcessor keeps the numbers satisfying params {"op": gt|ge|lt|le|eq, "value": x}
type FilterProcessor struct{}

func (p *FilterProcessor) Process(ctx context.Context, data []float64, params map[string]interface{}) (interface{}, error) {
	op, _ := params["op"].(string)
	value, _ := params["value"].(float64)

	var keep func(float64) bool
	switch op {
	case "gt":
		keep = func(x float64) bool { return x > value }
	case "ge":
		keep = func(x float64) bool { return x >= value }
	case "lt":
		keep = func(x float64) bool { return x < value }
	case "le":
		keep = func(x float64) bool { return x <= value }
	case "eq":
		keep = func(x float64) bool { return x == value }
	default:
		return nil, fmt.Errorf("unknown filter op %q", op)
	}

	out := make([]float64, 0, len(data))
	for _, x := range data {
		if keep(x) {
			out = append(out, x)
		}
	}
	return out, nil
}

// TransformProcessor maps every number with params {"op": scale|offset|square|abs, "value": x}
type TransformProcessor struct{}

func (p *TransformProcessor) Process(ctx context.Context, data []float64, params map[string]interface{}) (interface{}, error) {
	op, _ := params["op"].(string)
	value, _ := params["value"].(float64)

	var fn func(float64) float64
	switch op {
	case "scale":
		fn = func(x float64) float64 { return x * value }
	case "offset":
		fn = func(x float64) float64 { return x + value }
	case "square":
		fn = func(x float64) float64 { return x * x }
	case "abs":
		fn = math.Abs
	default:
		return nil, fmt.Errorf("unknown transform op %q", op)
	}

	out := make([]float64, len(data))
	for i, x := range data {
		out[i] = fn(x)
	}
	return out, nil
}

// AggregateProcessor reduces the numbers with params {"op": sum|mean|min|max|count}
type AggregateProcessor struct{}

func (p *AggregateProcessor) Process(ctx context.Context, data []float64, params map[string]interface{}) (interface{}, error) {
	op, _ := params["op"].(string)
	if op == "" {
		op = "sum"
	}

	if op == "count" {
		return len(data), nil
	}
	if len(data) == 0 && op != "sum" {
		return nil, fmt.Errorf("%s of empty data", op)
	}

	switch op {
	case "sum", "mean":
		sum := 0.0
		for _, x := range data {
			sum += x
		}
		if op == "mean" {
			return sum / float64(len(data)), nil
		}
		return sum, nil
	case "min":
		m := data[0]
		for _, x := range data[1:] {
			m = math.Min(m, x)
		}
		return m, nil
	case "max":
		m := data[0]
		for _, x := range data[1:] {
			m = math.Max(m, x)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown aggregate op %q", op)
	}
}

func param(args []interface{}, kwargs map[string]interface{}, i int, name string) interface{} {
	if v, ok := kwargs[name]; ok {
		return v
	}
	if i < len(args) {
		return args[i]
	}
	return nil
}

func stringParam(args []interface{}, kwargs map[string]interface{}, i int, name string) (string, error) {
	s, ok := param(args, kwargs, i, name).(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return s, nil
}

func toFloats(v interface{}) ([]float64, error) {
	items, ok := v.([]interface{})
	if !ok {
		if floats, ok := v.([]float64); ok {
			return floats, nil
		}
		return nil, fmt.Errorf("expected a list of numbers, got %T", v)
	}
	out := make([]float64, len(items))
	for i := range items {
		f, err := rpc.FloatArg(items, i)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}
