// Package dht implements the Kademlia-style routing table behind each of
// the node's per-transport DhtNodeHandles (C4), and the per-interface local
// DHT node used by the local-network manager (C3). The routing algorithm
// itself — k-bucket placement, closest-node lookup — follows the same
// design the project has always used; what's new here is that it is keyed
// by identity.PeerId and transport.Endpoint instead of a single address
// family.
package dht

import (
	"time"

	"github.com/opd-ai/meshconnect/identity"
	"github.com/opd-ai/meshconnect/transport"
)

// NodeStatus represents the connection status of a routing-table entry.
type NodeStatus uint8

const (
	StatusUnknown NodeStatus = iota
	StatusBad
	StatusGood
)

// Node is a peer entry in a routing table: an id, the endpoint it was last
// seen at, and enough liveness bookkeeping to let the table evict stale
// entries in favor of responsive ones.
type Node struct {
	ID       identity.PeerId
	Endpoint transport.Endpoint
	LastSeen time.Time
	Status   NodeStatus
}

// NewNode creates a routing-table entry for id at endpoint, marked seen now.
func NewNode(id identity.PeerId, endpoint transport.Endpoint) *Node {
	return &Node{ID: id, Endpoint: endpoint, LastSeen: time.Now(), Status: StatusUnknown}
}

// Distance computes the XOR distance between this node and another.
func (n *Node) Distance(other *Node) [identity.PeerIdSize]byte {
	var result [identity.PeerIdSize]byte
	for i := range result {
		result[i] = n.ID[i] ^ other.ID[i]
	}
	return result
}

// IsActive reports whether n has been seen within timeout.
func (n *Node) IsActive(timeout time.Duration) bool {
	return time.Since(n.LastSeen) < timeout
}

// Touch marks n as seen just now with the given status.
func (n *Node) Touch(status NodeStatus) {
	n.LastSeen = time.Now()
	n.Status = status
}
