package scheduler

import "time"

const (
	defaultLoadQueryTimeout = 2 * time.Second
	maxParallelLoadQueries  = 16

	selectionBelowThreshold = "below_threshold"
	selectionNoPeers        = "no_peers"
	selectionPeer           = "peer"
	selectionNoReachable    = "no_reachable_peers"
)
