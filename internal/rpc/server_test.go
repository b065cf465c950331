package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/model"
	"github.com/t77yq/taskfabric/internal/monitor"
	"github.com/t77yq/taskfabric/internal/storage"
)

const testSecret = "s3cret"

type staticLoad float64

func (l staticLoad) Current() float64 { return float64(l) }

type staticPeers []model.PeerNode

func (p staticPeers) Snapshot() []model.PeerNode { return p }

var testProject = model.ProjectInfo{ProjectName: "distributed-task-system", Version: "1.0"}

func newTestServer(t *testing.T, table *FunctionTable, opts ...ServerOption) (*httptest.Server, string) {
	t.Helper()
	srv := NewServer(ServerConfig{
		NodeID:       "node-a",
		SharedSecret: testSecret,
		Project:      testProject,
	}, table, staticLoad(0.25), zap.NewNop(), opts...)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, strings.TrimPrefix(ts.URL, "http://")
}

func newTestTable(t *testing.T) *FunctionTable {
	t.Helper()
	table := NewFunctionTable()
	require.NoError(t, table.Register("add", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		a, err := IntArg(args, 0)
		if err != nil {
			return nil, err
		}
		b, err := IntArg(args, 1)
		if err != nil {
			return nil, err
		}
		return a + b, nil
	}))
	require.NoError(t, table.Register("fail", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return nil, errors.New("division by zero")
	}))
	require.NoError(t, table.Register("explode", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		panic("kaboom")
	}))
	return table
}

func TestServer_RunSuccess(t *testing.T) {
	_, addr := newTestServer(t, newTestTable(t))
	client := NewClient(testSecret, time.Second, time.Second, zap.NewNop())

	got, err := client.Call(context.Background(), addr, "add", []interface{}{2, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(5), got)
}

func TestServer_RejectsBadCredentialBeforeExecution(t *testing.T) {
	var calls int32
	table := NewFunctionTable()
	require.NoError(t, table.Register("side_effect", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "done", nil
	}))

	metrics := monitor.NewMetrics("test_auth")
	ts, addr := newTestServer(t, table, WithMetrics(metrics))

	client := NewClient("wrong", time.Second, time.Second, zap.NewNop())
	_, err := client.Call(context.Background(), addr, "side_effect", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Zero(t, atomic.LoadInt32(&calls))

	// unknown function with a bad credential is still an authentication failure
	_, err = client.Call(context.Background(), addr, "nope", nil, nil)
	assert.ErrorIs(t, err, ErrAuthentication)

	resp, err := http.Post(ts.URL+PathRun, "application/json", strings.NewReader(`{"function":"side_effect","args":[],"kwargs":{}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestServer_UnknownFunction(t *testing.T) {
	ts, addr := newTestServer(t, newTestTable(t))
	client := NewClient(testSecret, time.Second, time.Second, zap.NewNop())

	_, err := client.Call(context.Background(), addr, "missing", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownFunction)

	body := fmt.Sprintf(`{"function":"missing","credential":%q}`, testSecret)
	resp, err := http.Post(ts.URL+PathRun, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ExecutionErrors(t *testing.T) {
	_, addr := newTestServer(t, newTestTable(t))
	client := NewClient(testSecret, time.Second, time.Second, zap.NewNop())

	_, err := client.Call(context.Background(), addr, "fail", nil, nil)
	assert.ErrorIs(t, err, ErrExecution)
	assert.Contains(t, err.Error(), "division by zero")

	_, err = client.Call(context.Background(), addr, "explode", nil, nil)
	assert.ErrorIs(t, err, ErrExecution)
	assert.Contains(t, err.Error(), "kaboom")

	_, err = client.Call(context.Background(), addr, "add", []interface{}{"x"}, nil)
	assert.ErrorIs(t, err, ErrExecution)
}

func TestServer_BadRequest(t *testing.T) {
	ts, _ := newTestServer(t, newTestTable(t))

	resp, err := http.Post(ts.URL+PathRun, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	res, err := DecodeResult(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, model.ErrorKindBadRequest, res.Kind)
}

func TestServer_Queries(t *testing.T) {
	peers := staticPeers{{ID: "node-b", Address: "10.0.0.2:7520", Origin: model.OriginLAN}}
	ts, addr := newTestServer(t, newTestTable(t), WithPeers(peers))
	client := NewClient(testSecret, time.Second, time.Second, zap.NewNop())
	ctx := context.Background()

	load, err := client.QueryLoad(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, 0.25, load)

	require.NoError(t, client.Health(ctx, addr))

	info, err := client.ProjectInfo(ctx, addr)
	require.NoError(t, err)
	assert.True(t, info.Matches(testProject))

	resp, err := http.Get(ts.URL + PathPing)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"status":"online"}`, string(body))

	resp, err = http.Get(ts.URL + PathPeers)
	require.NoError(t, err)
	var got []model.PeerNode
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	require.Len(t, got, 1)
	assert.Equal(t, "node-b", got[0].ID)

	// GET on /run is not routed
	resp, err = http.Get(ts.URL + PathRun)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_Tasks(t *testing.T) {
	history, err := storage.NewSQLiteTaskHistory(zap.NewNop(), storage.MemoryDB)
	require.NoError(t, err)
	defer history.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, history.Store(ctx, &storage.TaskHistory{
			ID:          fmt.Sprintf("sub-%d", i),
			Function:    "add",
			Target:      model.TargetLocal,
			Status:      model.TaskStatusCompleted,
			SubmittedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	ts, _ := newTestServer(t, newTestTable(t), WithHistory(history))

	resp, err := http.Get(ts.URL + PathTasks + "?limit=2")
	require.NoError(t, err)
	var got []storage.TaskHistory
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	require.Len(t, got, 2)
	assert.Equal(t, "sub-2", got[0].ID)

	resp, err = http.Get(ts.URL + PathTasks + "?limit=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	metrics := monitor.NewMetrics("test_rpc_server")
	ts, addr := newTestServer(t, newTestTable(t), WithMetrics(metrics))

	client := NewClient(testSecret, time.Second, time.Second, zap.NewNop())
	_, err := client.Call(context.Background(), addr, "add", []interface{}{1, 1}, nil)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + PathMetrics)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `test_rpc_server_rpc_requests_total{function="add",outcome="ok"} 1`)
}

func TestServer_StartShutdown(t *testing.T) {
	srv := NewServer(ServerConfig{
		NodeID:       "node-a",
		ListenAddr:   "127.0.0.1:0",
		SharedSecret: testSecret,
		Project:      testProject,
	}, newTestTable(t), staticLoad(0.5), zap.NewNop())

	require.NoError(t, srv.Start())
	assert.NotEqual(t, "127.0.0.1:0", srv.Addr())

	client := NewClient(testSecret, time.Second, time.Second, zap.NewNop())
	require.NoError(t, client.Health(context.Background(), srv.Addr()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	assert.ErrorIs(t, client.Health(context.Background(), srv.Addr()), ErrTransport)
}
