package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/t77yq/taskfabric/internal/model"
	"github.com/t77yq/taskfabric/internal/monitor"
)

var errUnreachable = errors.New("connection refused")

type spyQuerier struct {
	loads map[string]float64
	calls int32
}

func (q *spyQuerier) QueryLoad(ctx context.Context, address string) (float64, error) {
	atomic.AddInt32(&q.calls, 1)
	load, ok := q.loads[address]
	if !ok {
		return 0, errUnreachable
	}
	return load, nil
}

type recordingTracker struct {
	mu       sync.Mutex
	observed map[string]float64
	failed   []string
}

func (r *recordingTracker) ObserveLoad(address string, load float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.observed == nil {
		r.observed = make(map[string]float64)
	}
	r.observed[address] = load
	return true
}

func (r *recordingTracker) MarkFailure(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, address)
	return false
}

type fixedConnectivity bool

func (c fixedConnectivity) Online(ctx context.Context) bool { return bool(c) }

func lanPeer(i int) model.PeerNode {
	return model.PeerNode{ID: fmt.Sprintf("node-%d", i), Address: fmt.Sprintf("10.0.0.%d:7520", i+1), Origin: model.OriginLAN}
}

func TestLoadBalancer_BelowThresholdNeverQueries(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.Float64Range(0.01, 1).Draw(t, "threshold")
		local := threshold * rapid.Float64Range(0, 0.999).Draw(t, "fraction")
		n := rapid.IntRange(0, 8).Draw(t, "peers")

		peers := make([]model.PeerNode, n)
		for i := range peers {
			peers[i] = lanPeer(i)
		}
		q := &spyQuerier{}
		lb := NewLoadBalancer(threshold, time.Second, q, zap.NewNop())

		target := lb.SelectTarget(context.Background(), peers, local)
		if !target.Local {
			t.Fatalf("load %v below threshold %v selected %v", local, threshold, target)
		}
		if calls := atomic.LoadInt32(&q.calls); calls != 0 {
			t.Fatalf("issued %d load queries below threshold", calls)
		}
	})
}

func TestLoadBalancer_PicksMinimalReachablePeer(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.Float64Range(0.01, 1).Draw(t, "threshold")
		local := rapid.Float64Range(threshold, 1).Draw(t, "local")
		n := rapid.IntRange(1, 8).Draw(t, "peers")

		peers := make([]model.PeerNode, n)
		q := &spyQuerier{loads: make(map[string]float64)}
		for i := range peers {
			peers[i] = lanPeer(i)
			if rapid.Bool().Draw(t, fmt.Sprintf("reachable-%d", i)) {
				q.loads[peers[i].Address] = rapid.SampledFrom([]float64{0.1, 0.2, 0.3}).Draw(t, fmt.Sprintf("load-%d", i))
			}
		}

		want := LocalTarget
		for _, p := range peers {
			load, ok := q.loads[p.Address]
			if ok && (want.Local || load < want.Load) {
				want = Target{Address: p.Address, Load: load}
			}
		}

		lb := NewLoadBalancer(threshold, time.Second, q, zap.NewNop())
		got := lb.SelectTarget(context.Background(), peers, local)
		if got != want {
			t.Fatalf("selected %+v, want %+v (loads %v)", got, want, q.loads)
		}
	})
}

func TestLoadBalancer_NoReachablePeersFallsBackToLocal(t *testing.T) {
	peers := []model.PeerNode{lanPeer(0), lanPeer(1), {Address: "203.0.113.9:7520", Origin: model.OriginStatic}}
	tracker := &recordingTracker{}
	metrics := monitor.NewMetrics("test_fallback")
	lb := NewLoadBalancer(0.5, time.Second, &spyQuerier{}, zap.NewNop(),
		WithTracker(tracker), WithConnectivity(fixedConnectivity(true)), WithBalancerMetrics(metrics))

	target := lb.SelectTarget(context.Background(), peers, 0.9)
	assert.True(t, target.Local)
	assert.Equal(t, model.TargetLocal, target.String())
	assert.ElementsMatch(t, []string{"10.0.0.1:7520", "10.0.0.2:7520", "203.0.113.9:7520"}, tracker.failed)

	expected := `
# HELP test_fallback_balancer_selections_total Load balancer decisions by reason
# TYPE test_fallback_balancer_selections_total counter
test_fallback_balancer_selections_total{reason="no_reachable_peers"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "test_fallback_balancer_selections_total"))
}

func TestLoadBalancer_LANPreferredOverWAN(t *testing.T) {
	lan := lanPeer(0)
	wan := model.PeerNode{Address: "203.0.113.9:7520", Origin: model.OriginWAN}
	q := &spyQuerier{loads: map[string]float64{lan.Address: 0.4, wan.Address: 0.05}}

	lb := NewLoadBalancer(0.5, time.Second, q, zap.NewNop(), WithConnectivity(fixedConnectivity(true)))
	target := lb.SelectTarget(context.Background(), []model.PeerNode{wan, lan}, 0.8)
	assert.Equal(t, lan.Address, target.Address)
	assert.Equal(t, int32(1), atomic.LoadInt32(&q.calls), "WAN peers are not polled when a LAN peer answers")
}

func TestLoadBalancer_WANFallback(t *testing.T) {
	lan := lanPeer(0)
	wan := model.PeerNode{Address: "203.0.113.9:7520", Origin: model.OriginStatic}
	q := &spyQuerier{loads: map[string]float64{wan.Address: 0.3}}

	lb := NewLoadBalancer(0.5, time.Second, q, zap.NewNop(), WithConnectivity(fixedConnectivity(true)))
	target := lb.SelectTarget(context.Background(), []model.PeerNode{lan, wan}, 0.8)
	assert.False(t, target.Local)
	assert.Equal(t, wan.Address, target.Address)
	assert.Equal(t, 0.3, target.Load)
}

func TestLoadBalancer_OfflineSkipsWAN(t *testing.T) {
	wan := model.PeerNode{Address: "203.0.113.9:7520", Origin: model.OriginWAN}
	q := &spyQuerier{loads: map[string]float64{wan.Address: 0.1}}

	lb := NewLoadBalancer(0.5, time.Second, q, zap.NewNop(), WithConnectivity(fixedConnectivity(false)))
	target := lb.SelectTarget(context.Background(), []model.PeerNode{wan}, 0.8)
	assert.True(t, target.Local)
	assert.Zero(t, atomic.LoadInt32(&q.calls))
}

type blockingQuerier struct{}

func (blockingQuerier) QueryLoad(ctx context.Context, address string) (float64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestLoadBalancer_QueryTimeout(t *testing.T) {
	lb := NewLoadBalancer(0.5, 50*time.Millisecond, blockingQuerier{}, zap.NewNop())

	start := time.Now()
	target := lb.SelectTarget(context.Background(), []model.PeerNode{lanPeer(0), lanPeer(1)}, 1)
	assert.True(t, target.Local)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLoadBalancer_TrackerObservesLoads(t *testing.T) {
	a, b := lanPeer(0), lanPeer(1)
	q := &spyQuerier{loads: map[string]float64{a.Address: 0.2}}
	tracker := &recordingTracker{}

	lb := NewLoadBalancer(0.5, time.Second, q, zap.NewNop(), WithTracker(tracker))
	target := lb.SelectTarget(context.Background(), []model.PeerNode{a, b}, 0.7)
	require.False(t, target.Local)
	assert.Equal(t, map[string]float64{a.Address: 0.2}, tracker.observed)
	assert.Equal(t, []string{b.Address}, tracker.failed)
}

func TestLoadBalancer_CancelledCallerMarksNoFailures(t *testing.T) {
	tracker := &recordingTracker{}
	lb := NewLoadBalancer(0.5, time.Second, blockingQuerier{}, zap.NewNop(), WithTracker(tracker))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	target := lb.SelectTarget(ctx, []model.PeerNode{lanPeer(0), lanPeer(1)}, 0.9)
	assert.True(t, target.Local)
	assert.Empty(t, tracker.failed)
}

func TestLeastLoadStrategy(t *testing.T) {
	_, err := LeastLoadStrategy{}.Select(nil)
	assert.ErrorIs(t, err, ErrNoReachablePeers)

	got, err := LeastLoadStrategy{}.Select([]Candidate{
		{Peer: lanPeer(0), Load: 0.3},
		{Peer: lanPeer(1), Load: 0.1},
		{Peer: lanPeer(2), Load: 0.1},
	})
	require.NoError(t, err)
	assert.Equal(t, lanPeer(1).Address, got.Peer.Address)
}
