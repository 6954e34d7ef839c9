package dht

import (
	"net"
	"sync"

	"github.com/opd-ai/meshconnect/identity"
	"github.com/opd-ai/meshconnect/transport"
)

// maxBucketSize mirrors the project's long-standing Kademlia bucket size.
const maxBucketSize = 8

// Handle is a DhtNodeHandle: it exists once per (node, TransportKind) pair
// and owns that transport's routing table and local node id, derived from
// its bind endpoint.
type Handle struct {
	Kind         transport.Kind
	BindEndpoint transport.Endpoint
	LocalID      identity.PeerId
	Table        *RoutingTable

	mu      sync.RWMutex
	onDHTConn func(net.Conn, transport.Endpoint)
}

// NewHandle creates a handle bound to bindEndpoint, deriving its local node
// id from the endpoint's serialized form per §4.4.
func NewHandle(kind transport.Kind, bindEndpoint transport.Endpoint) *Handle {
	localID := identity.DeriveNodeId([]byte(bindEndpoint.String()))
	return &Handle{
		Kind:         kind,
		BindEndpoint: bindEndpoint,
		LocalID:      localID,
		Table:        NewRoutingTable(localID, maxBucketSize),
	}
}

// Insert adds or refreshes a peer at endpoint in this handle's table.
func (h *Handle) Insert(id identity.PeerId, endpoint transport.Endpoint) {
	h.Table.AddNode(NewNode(id, endpoint))
}

// FindClosest returns up to count nodes nearest to target.
func (h *Handle) FindClosest(target identity.PeerId, count int) []*Node {
	return h.Table.FindClosestNodes(target, count)
}

// OnDHTConnection registers the callback invoked when a demuxed DHT-channel
// stream (handshake version byte 0) arrives addressed to this handle's
// family. The DHT wire protocol itself is an external collaborator per the
// spec's scope (§1); the callback is this core's seam into it.
func (h *Handle) OnDHTConnection(fn func(net.Conn, transport.Endpoint)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDHTConn = fn
}

// DeliverDHTConnection hands an accepted DHT-channel stream to the
// registered handler, if any; otherwise the stream is closed.
func (h *Handle) DeliverDHTConnection(conn net.Conn, remote transport.Endpoint) {
	h.mu.RLock()
	fn := h.onDHTConn
	h.mu.RUnlock()

	if fn == nil {
		conn.Close()
		return
	}
	fn(conn, remote)
}
