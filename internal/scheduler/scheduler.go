package scheduler

import (
	"context"

	"github.com/t77yq/taskfabric/internal/model"
)

// Selector places a single submission
type Selector interface {
	// SelectTarget returns Local or the address of one peer
	SelectTarget(ctx context.Context, peers []model.PeerNode, localLoad float64) Target
}

// PeerSource supplies the registry snapshot consulted on every placement
type PeerSource interface {
	Snapshot() []model.PeerNode
}

var _ Selector = (*LoadBalancer)(nil)
