package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/taskfabric/internal/model"
	"github.com/t77yq/taskfabric/internal/monitor"
)

// LoadQuerier asks a peer for its current load
type LoadQuerier interface {
	QueryLoad(ctx context.Context, address string) (float64, error)
}

// PeerTracker receives the outcome of every load query
type PeerTracker interface {
	ObserveLoad(address string, load float64) bool
	MarkFailure(address string) bool
}

// Connectivity reports whether wide-area peers can be reached at all
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Target is the placement decision for one submission
type Target struct {
	Local   bool
	Address string
	Load    float64
}

// LocalTarget places work in-process
var LocalTarget = Target{Local: true}

func (t Target) String() string {
	if t.Local {
		return model.TargetLocal
	}
	return t.Address
}

// Candidate is a peer that answered its load query
type Candidate struct {
	Peer model.PeerNode
	Load float64
}

// BalancingStrategy picks one of the reachable candidates
type BalancingStrategy interface {
	Select(candidates []Candidate) (Candidate, error)
}

// LeastLoadStrategy picks the candidate reporting the lowest load. On equal load the
// first candidate wins.
type LeastLoadStrategy struct{}

// Select implements BalancingStrategy
func (LeastLoadStrategy) Select(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoReachablePeers
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Load < best.Load {
			best = c
		}
	}
	return best, nil
}

// BalancerOption configures optional collaborators of a LoadBalancer
type BalancerOption func(*LoadBalancer)

// WithTracker reports query successes and failures, normally to the registry
func WithTracker(tracker PeerTracker) BalancerOption {
	return func(lb *LoadBalancer) { lb.tracker = tracker }
}

// WithConnectivity restricts selection to LAN peers while offline
func WithConnectivity(connectivity Connectivity) BalancerOption {
	return func(lb *LoadBalancer) { lb.connectivity = connectivity }
}

// WithStrategy replaces LeastLoadStrategy
func WithStrategy(strategy BalancingStrategy) BalancerOption {
	return func(lb *LoadBalancer) { lb.strategy = strategy }
}

// WithBalancerMetrics counts selection outcomes
func WithBalancerMetrics(metrics *monitor.Metrics) BalancerOption {
	return func(lb *LoadBalancer) { lb.metrics = metrics }
}

// LoadBalancer decides between local execution and the least loaded reachable peer
type LoadBalancer struct {
	logger       *zap.Logger
	threshold    float64
	queryTimeout time.Duration
	querier      LoadQuerier
	strategy     BalancingStrategy
	tracker      PeerTracker
	connectivity Connectivity
	metrics      *monitor.Metrics
}

// NewLoadBalancer creates a new load balancer
func NewLoadBalancer(threshold float64, queryTimeout time.Duration, querier LoadQuerier, logger *zap.Logger, opts ...BalancerOption) *LoadBalancer {
	if queryTimeout <= 0 {
		queryTimeout = defaultLoadQueryTimeout
	}
	lb := &LoadBalancer{
		logger:       logger.Named("load-balancer"),
		threshold:    threshold,
		queryTimeout: queryTimeout,
		querier:      querier,
		strategy:     LeastLoadStrategy{},
	}
	for _, opt := range opts {
		opt(lb)
	}
	return lb
}

// Threshold returns the local load at which offloading starts
func (lb *LoadBalancer) Threshold() float64 {
	return lb.threshold
}

// SelectTarget returns Local when localLoad is below the threshold or no peer answers.
// Otherwise LAN peers are polled first and WAN peers only when no LAN peer answered;
// without internet connectivity only LAN peers are polled.
func (lb *LoadBalancer) SelectTarget(ctx context.Context, peers []model.PeerNode, localLoad float64) Target {
	if localLoad < lb.threshold {
		lb.metrics.RecordSelection(selectionBelowThreshold)
		return LocalTarget
	}
	if len(peers) == 0 {
		lb.metrics.RecordSelection(selectionNoPeers)
		return LocalTarget
	}

	lan, wan := splitByOrigin(peers)
	groups := [][]model.PeerNode{lan, wan}
	if len(wan) > 0 && lb.connectivity != nil && !lb.connectivity.Online(ctx) {
		lb.logger.Debug("No internet connectivity, skipping WAN peers", zap.Int("wan_peers", len(wan)))
		groups = groups[:1]
	}

	for _, group := range groups {
		if len(group) == 0 {
			continue
		}
		best, err := lb.strategy.Select(lb.pollLoads(ctx, group))
		if err != nil {
			continue
		}

		lb.metrics.RecordSelection(selectionPeer)
		lb.logger.Debug("Selected peer",
			zap.String("peer", best.Peer.Address),
			zap.String("origin", string(best.Peer.Origin)),
			zap.Float64("peer_load", best.Load),
			zap.Float64("local_load", localLoad))
		return Target{Address: best.Peer.Address, Load: best.Load}
	}

	lb.metrics.RecordSelection(selectionNoReachable)
	lb.logger.Debug("No reachable peer, executing locally",
		zap.Int("peers", len(peers)),
		zap.Float64("local_load", localLoad))
	return LocalTarget
}

// pollLoads queries every peer in parallel and returns the ones that answered, in input order
func (lb *LoadBalancer) pollLoads(ctx context.Context, peers []model.PeerNode) []Candidate {
	loads := make([]float64, len(peers))
	ok := make([]bool, len(peers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelLoadQueries)

	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, lb.queryTimeout)
			defer cancel()

			load, err := lb.querier.QueryLoad(qctx, peer.Address)
			if err != nil {
				lb.logger.Debug("Peer load query failed",
					zap.String("peer", peer.Address),
					zap.Error(err))
				// a cancelled caller says nothing about the peer
				if lb.tracker != nil && ctx.Err() == nil {
					lb.tracker.MarkFailure(peer.Address)
				}
				return nil
			}

			loads[i], ok[i] = load, true
			if lb.tracker != nil {
				lb.tracker.ObserveLoad(peer.Address, load)
			}
			return nil
		})
	}
	g.Wait()

	candidates := make([]Candidate, 0, len(peers))
	for i, peer := range peers {
		if ok[i] {
			candidates = append(candidates, Candidate{Peer: peer, Load: loads[i]})
		}
	}
	return candidates
}

func splitByOrigin(peers []model.PeerNode) (lan, wan []model.PeerNode) {
	for _, p := range peers {
		if p.Origin == model.OriginLAN {
			lan = append(lan, p)
		} else {
			wan = append(wan, p)
		}
	}
	return lan, wan
}
