package model

import "time"

// Origin identifies how a peer became known to this node
type Origin string

const (
	OriginLAN    Origin = "lan"
	OriginWAN    Origin = "wan"
	OriginStatic Origin = "static"
)

// PeerNode represents a remote node able to receive offloaded work
type PeerNode struct {
	ID             string    `json:"id"`
	Address        string    `json:"address"`
	Origin         Origin    `json:"origin"`
	LastSeen       time.Time `json:"last_seen"`
	AdvertisedLoad float64   `json:"advertised_load"`
	Failures       int       `json:"failures,omitempty"`
}

// LoadSample is a single CPU utilisation reading of a node
type LoadSample struct {
	NodeID    string    `json:"node_id"`
	Address   string    `json:"address,omitempty"`
	Load      float64   `json:"load"`
	SampledAt time.Time `json:"sampled_at"`
}

// ProjectInfo is the identity a node declares to WAN probes
type ProjectInfo struct {
	ProjectName string `json:"project_name"`
	Version     string `json:"version"`
}

// Matches reports whether both the project name and protocol version are equal
func (p ProjectInfo) Matches(other ProjectInfo) bool {
	return p.ProjectName == other.ProjectName && p.Version == other.Version
}
