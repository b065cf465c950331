package testutil

import (
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/model"
	"github.com/t77yq/taskfabric/internal/rpc"
)

// DefaultProject is the identity fake peers declare unless told otherwise
var DefaultProject = model.ProjectInfo{ProjectName: "distributed-task-system", Version: "1.0"}

// PeerConfig describes a fake peer
type PeerConfig struct {
	NodeID    string
	Secret    string
	Project   model.ProjectInfo
	Load      float64
	Functions *rpc.FunctionTable
	// Wrap, when set, wraps the peer's handler
	Wrap func(http.Handler) http.Handler
}

// Peer is a real RPC endpoint served from a loopback httptest server
type Peer struct {
	Addr   string
	Server *httptest.Server
	load   atomic.Uint64
}

// Current implements rpc.LoadSource
func (p *Peer) Current() float64 {
	return math.Float64frombits(p.load.Load())
}

// SetLoad changes the load the peer reports
func (p *Peer) SetLoad(load float64) {
	p.load.Store(math.Float64bits(load))
}

// StartPeer serves a fake peer until the test ends
func StartPeer(t *testing.T, cfg PeerConfig) *Peer {
	t.Helper()

	if cfg.NodeID == "" {
		cfg.NodeID = "fake-peer"
	}
	if cfg.Project == (model.ProjectInfo{}) {
		cfg.Project = DefaultProject
	}
	if cfg.Functions == nil {
		cfg.Functions = rpc.NewFunctionTable()
	}

	p := &Peer{}
	p.SetLoad(cfg.Load)

	srv := rpc.NewServer(rpc.ServerConfig{
		NodeID:       cfg.NodeID,
		SharedSecret: cfg.Secret,
		Project:      cfg.Project,
	}, cfg.Functions, p, zap.NewNop())

	handler := srv.Handler()
	if cfg.Wrap != nil {
		handler = cfg.Wrap(handler)
	}
	p.Server = httptest.NewServer(handler)
	p.Addr = strings.TrimPrefix(p.Server.URL, "http://")
	t.Cleanup(p.Server.Close)
	return p
}

// ClosedAddress returns a loopback address nothing listens on
func ClosedAddress(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// DropRun makes a peer close the connection on every offloaded call while still answering
// load and health queries
func DropRun(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != rpc.PathRun {
			next.ServeHTTP(w, r)
			return
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	})
}
