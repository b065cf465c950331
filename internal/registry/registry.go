package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/model"
)

// DefaultMaxFailures is the number of consecutive failed contacts after which a peer is evicted
const DefaultMaxFailures = 3

// Registry is the set of known peers keyed by address.
// All mutation is serialized; Snapshot copies entries so callers never hold the lock
// across network calls.
type Registry struct {
	logger      *zap.Logger
	mu          sync.RWMutex
	peers       map[string]*model.PeerNode
	maxFailures int
	now         func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(maxFailures int, logger *zap.Logger) *Registry {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &Registry{
		logger:      logger.Named("registry"),
		peers:       make(map[string]*model.PeerNode),
		maxFailures: maxFailures,
		now:         time.Now,
	}
}

// Upsert inserts a peer or refreshes an existing entry's lastSeen and advertised load.
// Static re-merges refresh lastSeen only. A zero LastSeen is stamped with the current
// time. It returns true when the peer is new.
func (r *Registry) Upsert(peer model.PeerNode) bool {
	if peer.Address == "" {
		r.logger.Warn("Ignoring peer without address", zap.String("peer_id", peer.ID))
		return false
	}
	if peer.LastSeen.IsZero() {
		peer.LastSeen = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.peers[peer.Address]
	if !ok {
		peer.Failures = 0
		r.peers[peer.Address] = &peer
		r.logger.Info("Peer added",
			zap.String("peer", peer.Address),
			zap.String("peer_id", peer.ID),
			zap.String("origin", string(peer.Origin)))
		return true
	}

	if peer.ID != "" {
		existing.ID = peer.ID
	}
	// a LAN sighting outranks static or probed knowledge of the same address
	if existing.Origin != model.OriginLAN || peer.Origin == model.OriginLAN {
		existing.Origin = peer.Origin
	}
	if peer.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = peer.LastSeen
	}
	// a static merge is configuration, not a sighting: load and failures stand
	if peer.Origin != model.OriginStatic {
		existing.AdvertisedLoad = peer.AdvertisedLoad
		existing.Failures = 0
	}
	return false
}

// ObserveLoad refreshes a known peer after it reported its load. Unknown addresses are ignored.
func (r *Registry) ObserveLoad(address string, load float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[address]
	if !ok {
		return false
	}
	peer.AdvertisedLoad = load
	peer.LastSeen = r.now()
	peer.Failures = 0
	return true
}

// Touch refreshes lastSeen of a known peer after a successful exchange
func (r *Registry) Touch(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[address]
	if !ok {
		return false
	}
	peer.LastSeen = r.now()
	peer.Failures = 0
	return true
}

// MarkFailure records a failed contact and evicts the peer once the failure threshold is reached
func (r *Registry) MarkFailure(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[address]
	if !ok {
		return false
	}
	peer.Failures++
	if peer.Failures < r.maxFailures {
		return false
	}

	delete(r.peers, address)
	r.logger.Info("Peer evicted after repeated failures",
		zap.String("peer", address),
		zap.Int("failures", peer.Failures))
	return true
}

// Remove deletes a peer
func (r *Registry) Remove(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[address]; !ok {
		return false
	}
	delete(r.peers, address)
	return true
}

// EvictStale removes entries whose lastSeen predates now-ttl. When origins are given only
// peers of those origins are considered.
func (r *Registry) EvictStale(now time.Time, ttl time.Duration, origins ...model.Origin) []model.PeerNode {
	cutoff := now.Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []model.PeerNode
	for addr, peer := range r.peers {
		if !originIn(peer.Origin, origins) {
			continue
		}
		if peer.LastSeen.Before(cutoff) {
			evicted = append(evicted, *peer)
			delete(r.peers, addr)
			r.logger.Info("Peer evicted as stale",
				zap.String("peer", addr),
				zap.Time("last_seen", peer.LastSeen),
				zap.Duration("ttl", ttl))
		}
	}
	return evicted
}

// Get returns a copy of the peer stored under address
func (r *Registry) Get(address string) (model.PeerNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[address]
	if !ok {
		return model.PeerNode{}, false
	}
	return *peer, true
}

// Len returns the number of known peers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Snapshot returns a copy of all peers ordered by address
func (r *Registry) Snapshot() []model.PeerNode {
	r.mu.RLock()
	peers := make([]model.PeerNode, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, *peer)
	}
	r.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Address < peers[j].Address
	})
	return peers
}

func originIn(origin model.Origin, origins []model.Origin) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == origin {
			return true
		}
	}
	return false
}
