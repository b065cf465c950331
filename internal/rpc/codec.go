package rpc

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/t77yq/taskfabric/internal/model"
)

const maxBodySize = 8 << 20

// Endpoint paths served by every node
const (
	PathRun         = "/run"
	PathLoad        = "/cpu"
	PathHealth      = "/health"
	PathPing        = "/ping"
	PathProjectInfo = "/project_info"
	PathPeers       = "/peers"
	PathTasks       = "/tasks"
	PathMetrics     = "/metrics"
)

// EncodeRequest serializes a TaskRequest
func EncodeRequest(req model.TaskRequest) ([]byte, error) {
	if req.Args == nil {
		req.Args = []interface{}{}
	}
	if req.Kwargs == nil {
		req.Kwargs = map[string]interface{}{}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return data, nil
}

// DecodeRequest parses a TaskRequest
func DecodeRequest(r io.Reader) (model.TaskRequest, error) {
	var req model.TaskRequest
	if err := json.NewDecoder(io.LimitReader(r, maxBodySize)).Decode(&req); err != nil {
		return model.TaskRequest{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if req.Function == "" {
		return model.TaskRequest{}, fmt.Errorf("%w: function is required", ErrBadRequest)
	}
	return req, nil
}

// EncodeResult serializes a TaskResult
func EncodeResult(res model.TaskResult) ([]byte, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return data, nil
}

// DecodeResult parses a TaskResult
func DecodeResult(r io.Reader) (model.TaskResult, error) {
	var res model.TaskResult
	if err := json.NewDecoder(io.LimitReader(r, maxBodySize)).Decode(&res); err != nil {
		return model.TaskResult{}, fmt.Errorf("%w: malformed response: %v", ErrTransport, err)
	}
	return res, nil
}

// NormalizeAddress reduces "host:port", "http://host:port" or "http://host:port/run" to host:port
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("empty peer address")
	}

	if strings.Contains(address, "://") {
		u, err := url.Parse(address)
		if err != nil {
			return "", fmt.Errorf("invalid peer address %q: %w", address, err)
		}
		address = u.Host
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", fmt.Errorf("invalid peer address %q: %w", address, err)
	}
	if host == "" || port == "" {
		return "", fmt.Errorf("invalid peer address %q", address)
	}
	return net.JoinHostPort(host, port), nil
}

// IntArg returns args[i] as an int. JSON numbers arrive as float64.
func IntArg(args []interface{}, i int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	switch v := args[i].(type) {
	case int:
		return v, nil
	case int64:
		return int64Arg(i, v)
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("argument %d: %v is not an integer", i, v)
		}
		// float64(math.MinInt) is exact; its negation is one past MaxInt
		if v < float64(math.MinInt) || v >= -float64(math.MinInt) {
			return 0, fmt.Errorf("argument %d: %v overflows int", i, v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("argument %d: %w", i, err)
		}
		return int64Arg(i, n)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("argument %d: %w", i, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("argument %d: unsupported type %T", i, v)
	}
}

func int64Arg(i int, v int64) (int, error) {
	if v < math.MinInt || v > math.MaxInt {
		return 0, fmt.Errorf("argument %d: %d overflows int", i, v)
	}
	return int(v), nil
}

// FloatArg returns args[i] as a float64
func FloatArg(args []interface{}, i int) (float64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	switch v := args[i].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("argument %d: unsupported type %T", i, v)
	}
}

// StringArg returns kwargs[name] as a string, or def when absent
func StringArg(kwargs map[string]interface{}, name, def string) (string, error) {
	v, ok := kwargs[name]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %s: expected string, got %T", name, v)
	}
	return s, nil
}
