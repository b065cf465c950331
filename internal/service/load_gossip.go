package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/model"
)

// LoadObserver ingests load samples reported by other nodes
type LoadObserver interface {
	ObserveLoad(address string, load float64) bool
}

// LoadGossip shares load samples between nodes over core NATS. Samples only refresh peers
// the registry already knows; gossip never introduces new peers.
type LoadGossip struct {
	nc       *nats.Conn
	logger   *zap.Logger
	prefix   string
	nodeID   string
	address  string
	observer LoadObserver
}

// NewLoadGossip creates a gossip publisher and subscriber. address is the RPC address
// peers know this node by.
func NewLoadGossip(nc *nats.Conn, prefix, nodeID, address string, observer LoadObserver, logger *zap.Logger) *LoadGossip {
	return &LoadGossip{
		nc:       nc,
		logger:   logger.Named("load-gossip"),
		prefix:   prefix,
		nodeID:   nodeID,
		address:  address,
		observer: observer,
	}
}

// Publish broadcasts a local load sample
func (g *LoadGossip) Publish(sample model.LoadSample) error {
	sample.NodeID = g.nodeID
	sample.Address = g.address

	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal load sample: %w", err)
	}

	if err := g.nc.Publish(g.prefix+"."+g.nodeID, data); err != nil {
		g.logger.Error("Failed to publish load sample",
			zap.Float64("load", sample.Load),
			zap.Error(err))
		return fmt.Errorf("failed to publish load sample: %w", err)
	}
	return nil
}

// OnSample is a load reporter listener that publishes every sample
func (g *LoadGossip) OnSample(sample model.LoadSample) {
	// errors are already logged
	_ = g.Publish(sample)
}

// Subscribe ingests samples from other nodes until ctx ends
func (g *LoadGossip) Subscribe(ctx context.Context) error {
	sub, err := g.nc.Subscribe(g.prefix+".*", func(msg *nats.Msg) {
		var sample model.LoadSample
		if err := json.Unmarshal(msg.Data, &sample); err != nil {
			g.logger.Warn("Failed to unmarshal load sample",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if sample.NodeID == g.nodeID || sample.Address == "" {
			return
		}

		if g.observer.ObserveLoad(sample.Address, sample.Load) {
			g.logger.Debug("Peer load updated from gossip",
				zap.String("peer", sample.Address),
				zap.Float64("load", sample.Load))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s.*: %w", g.prefix, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}
