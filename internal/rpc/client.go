package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/model"
)

const (
	// DefaultRPCTimeout bounds an offloaded call end to end
	DefaultRPCTimeout = 12 * time.Second

	// DefaultProbeTimeout bounds load, health and identity queries
	DefaultProbeTimeout = 2 * time.Second
)

// Client issues calls and queries against peer endpoints
type Client struct {
	logger       *zap.Logger
	httpClient   *http.Client
	credential   string
	rpcTimeout   time.Duration
	probeTimeout time.Duration
}

// NewClient creates a client presenting credential on every call.
// Zero timeouts fall back to the defaults.
func NewClient(credential string, rpcTimeout, probeTimeout time.Duration, logger *zap.Logger) *Client {
	if rpcTimeout <= 0 {
		rpcTimeout = DefaultRPCTimeout
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Client{
		logger:       logger.Named("rpc-client"),
		httpClient:   &http.Client{},
		credential:   credential,
		rpcTimeout:   rpcTimeout,
		probeTimeout: probeTimeout,
	}
}

// Call runs function on the peer at address and returns its value. Remote failures come
// back wrapping ErrAuthentication, ErrUnknownFunction, ErrBadRequest or ErrExecution;
// anything that prevented a well-formed reply wraps ErrTransport.
func (c *Client) Call(ctx context.Context, address, function string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	body, err := EncodeRequest(model.TaskRequest{
		Function:   function,
		Args:       args,
		Kwargs:     kwargs,
		Credential: c.credential,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(address, PathRun), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: call %s on %s: %v", ErrTransport, function, address, err)
	}
	defer resp.Body.Close()

	res, err := DecodeResult(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s (status %d): %w", function, address, resp.StatusCode, err)
	}
	if err := ResultError(res); err != nil {
		c.logger.Debug("Remote call failed",
			zap.String("address", address),
			zap.String("function", function),
			zap.Error(err))
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: call %s on %s: unexpected status %d", ErrTransport, function, address, resp.StatusCode)
	}
	return res.Result, nil
}

// QueryLoad returns the load fraction reported by the peer at address
func (c *Client) QueryLoad(ctx context.Context, address string) (float64, error) {
	var out struct {
		Usage *float64 `json:"usage"`
	}
	if err := c.getJSON(ctx, address, PathLoad, &out); err != nil {
		return 0, err
	}
	if out.Usage == nil {
		return 0, fmt.Errorf("%w: %s returned no usage", ErrTransport, address)
	}
	return *out.Usage, nil
}

// Health reports whether the peer at address answers its health endpoint
func (c *Client) Health(ctx context.Context, address string) error {
	var out map[string]interface{}
	return c.getJSON(ctx, address, PathHealth, &out)
}

// ProjectInfo fetches the identity declared by the peer at address
func (c *Client) ProjectInfo(ctx context.Context, address string) (model.ProjectInfo, error) {
	var info model.ProjectInfo
	if err := c.getJSON(ctx, address, PathProjectInfo, &info); err != nil {
		return model.ProjectInfo{}, err
	}
	return info, nil
}

func (c *Client) getJSON(ctx context.Context, address, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(address, path), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s on %s: %v", ErrTransport, path, address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return fmt.Errorf("%w: GET %s on %s: status %d", ErrTransport, path, address, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(out); err != nil {
		return fmt.Errorf("%w: GET %s on %s: %v", ErrTransport, path, address, err)
	}
	return nil
}

func endpoint(address, path string) string {
	return "http://" + address + path
}
